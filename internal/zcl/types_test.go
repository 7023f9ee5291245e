package zcl

import (
	"bytes"
	"testing"
)

func TestDecodeEncodeUint8(t *testing.T) {
	data := []byte{0x42}
	val, n, err := DecodeValue(TypeUint8, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("consumed %d, want 1", n)
	}
	if val.(uint8) != 0x42 {
		t.Errorf("got %v, want 0x42", val)
	}

	encoded, err := EncodeValue(TypeUint8, uint8(0x42))
	if err != nil {
		t.Fatal(err)
	}
	if encoded[0] != 0x42 {
		t.Errorf("encoded %X, want 42", encoded)
	}
}

func TestDecodeEncodeUint16(t *testing.T) {
	data := []byte{0x34, 0x12} // little-endian 0x1234
	val, n, err := DecodeValue(TypeUint16, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("consumed %d, want 2", n)
	}
	if val.(uint16) != 0x1234 {
		t.Errorf("got %v, want 0x1234", val)
	}
}

func TestDecodeUint16Unset(t *testing.T) {
	// 0xFFFF is the "not calibrated" marker on the Ubisys step counters;
	// it must round-trip as a plain value, not an error.
	val, _, err := DecodeValue(TypeUint16, []byte{0xFF, 0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if val.(uint16) != 0xFFFF {
		t.Errorf("got %v, want 0xFFFF", val)
	}
}

func TestDecodeEncodeBool(t *testing.T) {
	val, _, err := DecodeValue(TypeBool, []byte{0x01})
	if err != nil {
		t.Fatal(err)
	}
	if val.(bool) != true {
		t.Error("expected true")
	}

	val, _, err = DecodeValue(TypeBool, []byte{0x00})
	if err != nil {
		t.Fatal(err)
	}
	if val.(bool) != false {
		t.Error("expected false")
	}
}

func TestDecodeCharStr(t *testing.T) {
	data := []byte{5, 'H', 'e', 'l', 'l', 'o'}
	val, n, err := DecodeValue(TypeCharStr, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("consumed %d, want 6", n)
	}
	if val.(string) != "Hello" {
		t.Errorf("got %q, want %q", val, "Hello")
	}
}

func TestDecodeInt16(t *testing.T) {
	// -100 = 0xFF9C in little-endian: 0x9C, 0xFF
	data := []byte{0x9C, 0xFF}
	val, _, err := DecodeValue(TypeInt16, data)
	if err != nil {
		t.Fatal(err)
	}
	if val.(int16) != -100 {
		t.Errorf("got %v, want -100", val)
	}
}

func TestDecodeNotEnoughData(t *testing.T) {
	_, _, err := DecodeValue(TypeUint32, []byte{0x01})
	if err == nil {
		t.Error("expected error for insufficient data")
	}
}

func TestDecodeEncodeUint24(t *testing.T) {
	data := []byte{0x56, 0x34, 0x12} // 0x123456
	val, n, err := DecodeValue(TypeUint24, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("consumed %d, want 3", n)
	}
	if val.(uint32) != 0x123456 {
		t.Errorf("got 0x%X, want 0x123456", val)
	}

	encoded, err := EncodeValue(TypeUint24, uint64(0x123456))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded, data) {
		t.Errorf("encoded %X, want %X", encoded, data)
	}
}

func TestDecodeEncodeInt24(t *testing.T) {
	// -1 in int24 = 0xFFFFFF
	data := []byte{0xFF, 0xFF, 0xFF}
	val, n, err := DecodeValue(TypeInt24, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("consumed %d, want 3", n)
	}
	if val.(int32) != -1 {
		t.Errorf("got %v, want -1", val)
	}

	encoded, err := EncodeValue(TypeInt24, int64(-1))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded, data) {
		t.Errorf("encoded %X, want FFFFFF", encoded)
	}
}

func TestEncodeCharStr(t *testing.T) {
	encoded, err := EncodeValue(TypeCharStr, "Hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) != 3 || encoded[0] != 2 || encoded[1] != 'H' || encoded[2] != 'i' {
		t.Errorf("encoded %X, want [02 48 69]", encoded)
	}
}

func TestDecodeOctetStr(t *testing.T) {
	data := []byte{3, 0xAA, 0xBB, 0xCC}
	val, n, err := DecodeValue(TypeOctetStr, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("consumed %d, want 4", n)
	}
	if !bytes.Equal(val.([]byte), []byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("got %X", val)
	}
}

func TestDecodeCharStrInvalid(t *testing.T) {
	// 0xFF length = invalid
	data := []byte{0xFF}
	val, n, err := DecodeValue(TypeCharStr, data)
	if err != nil {
		t.Fatalf("0xFF length should return nil, not error: %v", err)
	}
	if val != nil {
		t.Errorf("got %v, want nil for 0xFF length", val)
	}
	if n != 1 {
		t.Errorf("consumed %d, want 1", n)
	}
}

func TestDecodeNoData(t *testing.T) {
	val, n, err := DecodeValue(TypeNoData, []byte{0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if val != nil || n != 0 {
		t.Errorf("got val=%v, n=%d; want nil, 0", val, n)
	}
}

func TestEncodeUint8Overflow(t *testing.T) {
	_, err := EncodeValue(TypeUint8, uint64(256))
	if err == nil {
		t.Error("expected overflow error for uint8(256)")
	}
}

func TestEncodeInt8Overflow(t *testing.T) {
	_, err := EncodeValue(TypeInt8, int64(128))
	if err == nil {
		t.Error("expected overflow error for int8(128)")
	}
	_, err = EncodeValue(TypeInt8, int64(-129))
	if err == nil {
		t.Error("expected overflow error for int8(-129)")
	}
}

func TestEncodeUint8RejectsNegative(t *testing.T) {
	_, err := EncodeValue(TypeUint8, int(-1))
	if err == nil {
		t.Error("expected error for encoding negative int as uint8")
	}
}

func TestEncodeUint16RejectsNegativeFloat(t *testing.T) {
	_, err := EncodeValue(TypeUint16, float64(-1.0))
	if err == nil {
		t.Error("expected error for encoding negative float64 as uint16")
	}
}

func TestDecodeEnumTypes(t *testing.T) {
	val, n, err := DecodeValue(TypeEnum8, []byte{0x03})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || val.(uint8) != 3 {
		t.Errorf("enum8: got %v, consumed %d", val, n)
	}

	val, n, err = DecodeValue(TypeEnum16, []byte{0x01, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || val.(uint16) != 1 {
		t.Errorf("enum16: got %v, consumed %d", val, n)
	}
}

func TestDecodeBitmapTypes(t *testing.T) {
	val, n, err := DecodeValue(TypeBitmap8, []byte{0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || val.(uint8) != 0xFF {
		t.Errorf("map8: got %v, consumed %d", val, n)
	}

	val, n, err = DecodeValue(TypeBitmap16, []byte{0xFF, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || val.(uint16) != 0x00FF {
		t.Errorf("map16: got %v, consumed %d", val, n)
	}
}

func TestToUint64Normalization(t *testing.T) {
	tests := []struct {
		in   interface{}
		want uint64
		ok   bool
	}{
		{uint8(0), 0, true},
		{uint8(7), 7, true},
		{uint16(0xFFFF), 0xFFFF, true},
		{uint32(100000), 100000, true},
		{true, 1, true},
		{false, 0, true},
		{"text", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToUint64(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ToUint64(%v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTypeSizeValues(t *testing.T) {
	tests := []struct {
		typeID uint8
		want   int
	}{
		{TypeNoData, 0},
		{TypeBool, 1},
		{TypeUint8, 1},
		{TypeUint16, 2},
		{TypeUint24, 3},
		{TypeUint32, 4},
		{TypeUint40, 5},
		{TypeUint48, 6},
		{TypeInt8, 1},
		{TypeInt16, 2},
		{TypeInt24, 3},
		{TypeInt32, 4},
		{TypeCharStr, -1},
		{TypeOctetStr, -1},
	}
	for _, tt := range tests {
		got := TypeSize(tt.typeID)
		if got != tt.want {
			t.Errorf("TypeSize(0x%02X) = %d, want %d", tt.typeID, got, tt.want)
		}
	}
}
