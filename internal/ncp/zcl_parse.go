package ncp

import "encoding/binary"

const (
	typeSizeVariable = -1 // variable-length type with 1-byte length prefix
	typeSizeUnknown  = -2 // unrecognized type
)

func parseAttributeResponses(data []byte) []AttributeResponse {
	var results []AttributeResponse
	for len(data) >= 3 {
		// ZCL Read Attributes Response: AttrID (2 bytes) + Status (1 byte)
		attrID := binary.LittleEndian.Uint16(data[0:2])
		status := data[2]
		data = data[3:]

		ar := AttributeResponse{AttrID: attrID, Status: status}
		if status != 0 {
			results = append(results, ar)
			continue
		}
		if len(data) < 1 {
			break
		}
		ar.DataType = data[0]
		data = data[1:]

		// Read value based on type size
		size := typeSize(ar.DataType)
		if size == typeSizeUnknown {
			// Unknown type: cannot determine value boundaries.
			// Return what we have so far rather than guessing.
			results = append(results, ar)
			return results
		}
		if size > 0 && len(data) >= size {
			ar.Value = make([]byte, size)
			copy(ar.Value, data[:size])
			data = data[size:]
		} else if size == typeSizeVariable && len(data) >= 1 {
			// Variable length with 1-byte length prefix (octstr, string)
			vlen := int(data[0])
			if len(data) >= 1+vlen {
				ar.Value = make([]byte, 1+vlen)
				copy(ar.Value, data[:1+vlen])
				data = data[1+vlen:]
			}
		}
		results = append(results, ar)
	}
	return results
}

// parseWriteResponses parses a ZCL Write Attributes Response. A fully
// successful write is a single status byte 0x00 with no attribute ID;
// otherwise the device lists each failed attribute as status(1) + attrID(2).
func parseWriteResponses(data []byte) []WriteStatus {
	if len(data) == 1 {
		return []WriteStatus{{Status: data[0]}}
	}
	var results []WriteStatus
	for len(data) >= 3 {
		results = append(results, WriteStatus{
			Status: data[0],
			AttrID: binary.LittleEndian.Uint16(data[1:3]),
		})
		data = data[3:]
	}
	return results
}

func typeSize(t uint8) int {
	switch {
	case t >= 0x08 && t <= 0x0F: // data8..data64
		return int(t-0x08) + 1
	case t == 0x10: // bool
		return 1
	case t == 0x18: // map8
		return 1
	case t == 0x19: // map16
		return 2
	case t == 0x1A: // map24
		return 3
	case t == 0x1B: // map32
		return 4
	case t >= 0x20 && t <= 0x27: // uint8..uint64
		return int(t-0x20) + 1
	case t >= 0x28 && t <= 0x2F: // int8..int64
		return int(t-0x28) + 1
	case t == 0x30: // enum8
		return 1
	case t == 0x31: // enum16
		return 2
	case t == 0x41, t == 0x42: // octstr, string (1-byte length prefix)
		return typeSizeVariable
	}
	return typeSizeUnknown
}
