package ncp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	raw := zbossEncodeRequest(zbossCmdGetModuleVersion, 7, 2, payload)

	f, err := zbossDecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.HL.PacketType != zbossHLRequest {
		t.Errorf("packet type = %d, want request", f.HL.PacketType)
	}
	if f.HL.CallID != zbossCmdGetModuleVersion {
		t.Errorf("call id = 0x%04X, want 0x%04X", f.HL.CallID, zbossCmdGetModuleVersion)
	}
	if f.HL.TSN != 7 {
		t.Errorf("tsn = %d, want 7", f.HL.TSN)
	}
	if zbossLLPktSeq(f.LL.Flags) != 2 {
		t.Errorf("pkt seq = %d, want 2", zbossLLPktSeq(f.LL.Flags))
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = %X, want %X", f.Payload, payload)
	}
}

func TestDecodeACKFrame(t *testing.T) {
	raw := zbossEncodeACK(3)
	if len(raw) != zbossLLHeaderSize {
		t.Fatalf("ACK frame length = %d, want %d", len(raw), zbossLLHeaderSize)
	}
	f, err := zbossDecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !zbossLLIsACK(f.LL.Flags) {
		t.Error("expected ACK flag")
	}
	if zbossLLAckSeq(f.LL.Flags) != 3 {
		t.Errorf("ack seq = %d, want 3", zbossLLAckSeq(f.LL.Flags))
	}
}

func TestDecodeBadSignature(t *testing.T) {
	raw := zbossEncodeACK(1)
	raw[0] = 0x00
	if _, err := zbossDecodeFrame(raw); err == nil {
		t.Error("expected error for bad signature")
	}
}

func TestDecodeCorruptedHeaderCRC(t *testing.T) {
	raw := zbossEncodeRequest(zbossCmdGetPanID, 1, 1, nil)
	raw[5] ^= 0xFF // flip flags, header CRC8 no longer matches
	if _, err := zbossDecodeFrame(raw); err == nil {
		t.Error("expected error for corrupted LL header")
	}
}

func TestDecodeCorruptedBodyCRC(t *testing.T) {
	raw := zbossEncodeRequest(zbossCmdGetPanID, 1, 1, []byte{0xAA})
	raw[len(raw)-1] ^= 0xFF
	if _, err := zbossDecodeFrame(raw); err == nil {
		t.Error("expected error for corrupted body")
	}
}

func TestReadRawFrameResync(t *testing.T) {
	frame := zbossEncodeRequest(zbossCmdGetChannel, 5, 1, nil)
	// Garbage before the frame, including a lone 0xDE that is not a signature.
	stream := append([]byte{0x00, 0xDE, 0x42, 0x13}, frame...)

	r := bufio.NewReader(bytes.NewReader(stream))
	raw, err := readRawFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, frame) {
		t.Errorf("read %X, want %X", raw, frame)
	}
}

func TestReadRawFrameSequential(t *testing.T) {
	f1 := zbossEncodeACK(1)
	f2 := zbossEncodeRequest(zbossCmdGetPanID, 2, 2, nil)
	r := bufio.NewReader(bytes.NewReader(append(append([]byte{}, f1...), f2...)))

	raw1, err := readRawFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw1, f1) {
		t.Errorf("first frame = %X, want %X", raw1, f1)
	}
	raw2, err := readRawFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw2, f2) {
		t.Errorf("second frame = %X, want %X", raw2, f2)
	}
}

func TestZCLBuildReadAttributesStandard(t *testing.T) {
	frame := zclBuildReadAttributes(9, 0, []uint16{0x000A})
	want := []byte{
		zclFrameTypeGlobal | zclDisableDefaultResp,
		9,
		zclCmdReadAttributes,
		0x0A, 0x00,
	}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %X, want %X", frame, want)
	}
}

func TestZCLBuildReadAttributesManufacturer(t *testing.T) {
	frame := zclBuildReadAttributes(9, 0x10F2, []uint16{0x1002, 0x1004})
	want := []byte{
		zclFrameTypeGlobal | zclDisableDefaultResp | zclFlagMfrSpecific,
		0xF2, 0x10, // manufacturer code LE
		9,
		zclCmdReadAttributes,
		0x02, 0x10,
		0x04, 0x10,
	}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %X, want %X", frame, want)
	}
}

func TestZCLBuildWriteAttributesManufacturer(t *testing.T) {
	frame := zclBuildWriteAttributes(3, 0x10F2, []WriteRecord{
		{AttrID: 0x1002, DataType: 0x21, Value: []byte{0x00, 0x00}},
	})
	want := []byte{
		zclFrameTypeGlobal | zclDisableDefaultResp | zclFlagMfrSpecific,
		0xF2, 0x10,
		3,
		zclCmdWriteAttributes,
		0x02, 0x10, 0x21, 0x00, 0x00,
	}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %X, want %X", frame, want)
	}
}

func TestZCLBuildClusterCommand(t *testing.T) {
	frame := zclBuildClusterCommand(4, 0x01, nil)
	want := []byte{
		zclFrameTypeCluster | zclDisableDefaultResp,
		4,
		0x01,
	}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %X, want %X", frame, want)
	}
}

func TestParseAttributeResponses(t *testing.T) {
	// attr 0x000A status 0 type map8 value 0x00, attr 0x1002 status 0x86
	data := []byte{
		0x0A, 0x00, 0x00, 0x18, 0x00,
		0x02, 0x10, 0x86,
	}
	results := parseAttributeResponses(data)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].AttrID != 0x000A || results[0].Status != 0 || results[0].DataType != 0x18 {
		t.Errorf("first result = %+v", results[0])
	}
	if !bytes.Equal(results[0].Value, []byte{0x00}) {
		t.Errorf("first value = %X, want 00", results[0].Value)
	}
	if results[1].AttrID != 0x1002 || results[1].Status != 0x86 {
		t.Errorf("second result = %+v", results[1])
	}
	if results[1].Value != nil {
		t.Errorf("failed read should carry no value, got %X", results[1].Value)
	}
}

func TestParseWriteResponsesAllOK(t *testing.T) {
	results := parseWriteResponses([]byte{0x00})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != 0 || results[0].AttrID != 0 {
		t.Errorf("result = %+v, want success marker", results[0])
	}
}

func TestParseWriteResponsesPartialFailure(t *testing.T) {
	// Two refused records: READ_ONLY on 0x1002, INVALID_VALUE on 0x1005
	data := []byte{
		0x88, 0x02, 0x10,
		0x87, 0x05, 0x10,
	}
	results := parseWriteResponses(data)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Status != 0x88 || results[0].AttrID != 0x1002 {
		t.Errorf("first = %+v", results[0])
	}
	if results[1].Status != 0x87 || results[1].AttrID != 0x1005 {
		t.Errorf("second = %+v", results[1])
	}
}

func TestZCLParseAttributeReports(t *testing.T) {
	data := []byte{
		0x08, 0x00, 0x20, 0x55, // attr 0x0008 uint8 = 0x55
		0x0A, 0x00, 0x18, 0x03, // attr 0x000A map8 = 0x03
	}
	reports := zclParseAttributeReports(data)
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].AttrID != 0x0008 || !bytes.Equal(reports[0].Value, []byte{0x55}) {
		t.Errorf("first report = %+v", reports[0])
	}
	if reports[1].AttrID != 0x000A || !bytes.Equal(reports[1].Value, []byte{0x03}) {
		t.Errorf("second report = %+v", reports[1])
	}
}

func TestBuildAPSDEDataReqLayout(t *testing.T) {
	zclFrame := []byte{0x10, 0x01, 0x00}
	buf := buildAPSDEDataReq(0x1234, 2, 1, 0x0102, zclProfileHA, 30, zclFrame)

	if len(buf) != 24+len(zclFrame) {
		t.Fatalf("length = %d, want %d", len(buf), 24+len(zclFrame))
	}
	if binary.LittleEndian.Uint16(buf[1:3]) != uint16(len(zclFrame)) {
		t.Error("data_len mismatch")
	}
	if binary.LittleEndian.Uint16(buf[3:5]) != 0x1234 {
		t.Error("dst addr mismatch")
	}
	if binary.LittleEndian.Uint16(buf[13:15]) != 0x0102 {
		t.Error("cluster id mismatch")
	}
	if buf[15] != 2 || buf[16] != 1 {
		t.Error("endpoint mismatch")
	}
	if buf[18] != zbossAddrModeShort {
		t.Error("addr mode mismatch")
	}
	if !bytes.Equal(buf[24:], zclFrame) {
		t.Error("aps data mismatch")
	}
}
