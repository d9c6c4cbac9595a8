// Package envelope implements the encryption envelope used to protect both
// state-at-rest blobs and migration transfers: AES-CBC with a random IV
// prefix, PKCS#7 padding, and an HMAC-SHA-256 tag over the ciphertext.
//
// This generalizes the AES-CBC helpers in the card secure-messaging layer
// this package's teacher carried (fixed 16-byte session keys, ISO/IEC
// 9797-1 Method 2 padding) to variable-length AES-128/256 keys and PKCS#7
// padding, and adds the HMAC authentication tag spec.md §4.2 requires.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

const ivLen = aes.BlockSize // 16 bytes

// Encrypt envelopes plaintext under key: a random IV is generated,
// plaintext is PKCS#7-padded to the AES block size, AES-CBC encrypted, and
// the IV prepended to the ciphertext. Returns the ciphertext (encData) and
// the HMAC-SHA-256 of encData computed with key.
func Encrypt(key, plaintext []byte) (encData, mac []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, swtpmerr.Wrap("envelope.Encrypt", swtpmerr.BadKeyProperty, err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, swtpmerr.Wrap("envelope.Encrypt", swtpmerr.Fail, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	encData = append(append([]byte{}, iv...), ciphertext...)
	mac = computeHMAC(key, encData)
	return encData, mac, nil
}

// Decrypt verifies mac against encData (constant-time) before attempting
// to decrypt. A mismatch returns a DecryptError — spec.md §3 invariant I3
// treats this as "wrong key", never as a corruption diagnostic. Padding
// failures after a verified HMAC return Fail.
func Decrypt(key, encData, mac []byte) ([]byte, error) {
	want := computeHMAC(key, encData)
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return nil, swtpmerr.New("envelope.Decrypt", swtpmerr.DecryptError)
	}

	if len(encData) < ivLen || (len(encData)-ivLen)%aes.BlockSize != 0 {
		return nil, swtpmerr.New("envelope.Decrypt", swtpmerr.Fail)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, swtpmerr.Wrap("envelope.Decrypt", swtpmerr.BadKeyProperty, err)
	}

	iv, ciphertext := encData[:ivLen], encData[ivLen:]
	if len(ciphertext) == 0 {
		return nil, nil
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	plaintext, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return nil, swtpmerr.Wrap("envelope.Decrypt", swtpmerr.Fail, err)
	}
	return plaintext, nil
}

func computeHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}

// KDFScheme selects how DeriveKey turns a passphrase into key material.
type KDFScheme int

const (
	// KDFPBKDF2 is PBKDF2-HMAC-SHA-512 with a fixed salt and iteration
	// count — these are a compatibility constant, not operator-tunable,
	// matching spec.md §6's "fixed salt, fixed iterations documented
	// here".
	KDFPBKDF2 KDFScheme = iota
	// KDFLegacySHA512 truncates SHA-512(passphrase) to the requested
	// length. Kept for compatibility with older state directories.
	KDFLegacySHA512
)

const (
	pbkdf2Salt       = "swtpm-state-kdf-v2"
	pbkdf2Iterations = 100000
)

// DeriveKey derives length bytes of key material from passphrase using
// scheme.
func DeriveKey(passphrase []byte, scheme KDFScheme, length int) ([]byte, error) {
	switch scheme {
	case KDFPBKDF2:
		return pbkdf2.Key(passphrase, []byte(pbkdf2Salt), pbkdf2Iterations, length, sha512.New), nil
	case KDFLegacySHA512:
		sum := sha512.Sum512(passphrase)
		if length > len(sum) {
			return nil, swtpmerr.New("envelope.DeriveKey", swtpmerr.BadKeyProperty)
		}
		out := make([]byte, length)
		copy(out, sum[:length])
		return out, nil
	default:
		return nil, swtpmerr.New("envelope.DeriveKey", swtpmerr.BadMode)
	}
}

var errBadPadding = swtpmerr.New("envelope.pkcs7Unpad", swtpmerr.Fail)
