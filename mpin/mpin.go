// Package mpin encrypts and verifies the secondary numeric PIN that
// authorizes purchases.
//
// A stored record is hex(iv) + ":" + hex(ciphertext), where the ciphertext
// is AES-256-CBC over the PKCS#7 padded PIN. Verification re-encrypts the
// candidate under the stored IV and compares ciphertexts in constant time.
// PINs are compared as exact digit strings: "0123" and "123" are different
// PINs.
package mpin

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"carbonmarket/apperr"
)

const (
	KeySize   = 32
	separator = ":"
)

var pattern = regexp.MustCompile(`^\d{4,6}$`)

type Verifier struct {
	block cipher.Block
	rand  io.Reader
}

// NewVerifier fails on a key that is not exactly KeySize bytes; callers
// treat that as a startup error.
func NewVerifier(key []byte) (*Verifier, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("mpin key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mpin cipher: %w", err)
	}
	return &Verifier{block: block, rand: rand.Reader}, nil
}

// Valid reports whether s is a well-formed PIN.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

func (v *Verifier) Encrypt(secret string) (string, error) {
	if !Valid(secret) {
		return "", apperr.Validation("mpin must be 4 to 6 digits")
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return "", fmt.Errorf("mpin iv: %w", err)
	}
	ct := v.seal(iv, secret)
	return hex.EncodeToString(iv) + separator + hex.EncodeToString(ct), nil
}

// Verify never returns an error: a malformed record or candidate is simply
// a mismatch.
func (v *Verifier) Verify(candidate, stored string) bool {
	candidate = strings.TrimSpace(candidate)
	if !Valid(candidate) {
		return false
	}
	ivHex, ctHex, ok := strings.Cut(stored, separator)
	if !ok {
		return false
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return false
	}
	want, err := hex.DecodeString(ctHex)
	if err != nil || len(want) == 0 {
		return false
	}
	got := v.seal(iv, candidate)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (v *Verifier) seal(iv []byte, secret string) []byte {
	plain := pad([]byte(secret), aes.BlockSize)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(v.block, iv).CryptBlocks(out, plain)
	return out
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}
