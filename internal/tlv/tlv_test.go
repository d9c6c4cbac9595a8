package tlv

import "testing"

func TestAppendFindRoundTrip(t *testing.T) {
	buf := Append(
		Record{Tag: TagData, Value: []byte("hello")},
		Record{Tag: TagHMAC, Value: []byte{1, 2, 3, 4}},
	)

	rec, ok := Find(buf, TagData)
	if !ok || string(rec.Value) != "hello" {
		t.Fatalf("Find(TagData) = %v, %v", rec, ok)
	}

	rec, ok = Find(buf, TagHMAC)
	if !ok || len(rec.Value) != 4 {
		t.Fatalf("Find(TagHMAC) = %v, %v", rec, ok)
	}

	if _, ok := Find(buf, TagEncryptedData); ok {
		t.Fatalf("Find(TagEncryptedData) should be absent")
	}
}

func TestFindZeroCopy(t *testing.T) {
	buf := Append(Record{Tag: TagData, Value: []byte("hello")})
	rec, ok := Find(buf, TagData)
	if !ok {
		t.Fatal("expected record")
	}
	buf[headerLen] = 'H' // mutate underlying buffer
	if rec.Value[0] != 'H' {
		t.Fatal("Find should return a view into buf, not a copy")
	}
}

func TestFindOverrunIsAbsent(t *testing.T) {
	// Declares a length of 100 but only provides 2 bytes of value.
	buf := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x64, 0xAA, 0xBB}
	if _, ok := Find(buf, TagData); ok {
		t.Fatal("overrunning record should be treated as absent")
	}
}

func TestValidate(t *testing.T) {
	buf := Append(Record{Tag: TagData, Value: []byte("x")})
	if err := Validate(buf); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Validate(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error for truncated stream")
	}
}
