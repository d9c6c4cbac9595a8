package envelope

import (
	"bytes"
	"testing"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

func key16() []byte {
	k := make([]byte, 16)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := key16()
	plaintext := []byte("hello")

	encData, mac, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(encData) != ivLen+16 { // 5 bytes pads to one 16-byte block
		t.Fatalf("encData length = %d, want %d", len(encData), ivLen+16)
	}
	if len(mac) != 32 {
		t.Fatalf("mac length = %d, want 32", len(mac))
	}

	got, err := Decrypt(key, encData, mac)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestEncryptDecryptEmptyPlaintext(t *testing.T) {
	key := key16()
	encData, mac, err := Encrypt(key, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(key, encData, mac)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Decrypt = %q, want empty", got)
	}
}

func TestDecryptWrongKeyIsDecryptError(t *testing.T) {
	key := key16()
	encData, mac, err := Encrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	badKey := key16()
	badKey[0] ^= 0xFF
	_, err = Decrypt(badKey, encData, mac)
	if !swtpmerr.IsDecryptError(err) {
		t.Fatalf("Decrypt with flipped key = %v, want DecryptError", err)
	}
}

func TestDecryptFlippedCiphertextBitIsDecryptError(t *testing.T) {
	key := key16()
	encData, mac, err := Encrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	encData[ivLen] ^= 0x01

	_, err = Decrypt(key, encData, mac)
	if !swtpmerr.IsDecryptError(err) {
		t.Fatalf("Decrypt with flipped ciphertext = %v, want DecryptError", err)
	}
}

func TestDeriveKeyPBKDF2Deterministic(t *testing.T) {
	k1, err := DeriveKey([]byte("passphrase"), KDFPBKDF2, 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey([]byte("passphrase"), KDFPBKDF2, 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("DeriveKey(KDFPBKDF2) should be deterministic for a fixed passphrase")
	}
	if len(k1) != 32 {
		t.Fatalf("len(k1) = %d, want 32", len(k1))
	}
}

func TestDeriveKeyLegacySHA512(t *testing.T) {
	k, err := DeriveKey([]byte("passphrase"), KDFLegacySHA512, 16)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(k) != 16 {
		t.Fatalf("len(k) = %d, want 16", len(k))
	}
}

func TestDeriveKeyUnknownScheme(t *testing.T) {
	if _, err := DeriveKey([]byte("x"), KDFScheme(99), 16); !swtpmerr.Is(err, swtpmerr.BadMode) {
		t.Fatalf("expected BadMode, got %v", err)
	}
}
