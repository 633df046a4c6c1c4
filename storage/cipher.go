// storage/cipher.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the number of PBKDF2 rounds used to derive the key
// and IV for each encrypted payload.
const DefaultIterations = 10000

const (
	saltLength = 16
	keyLength  = 32
	ivLength   = aes.BlockSize
)

var ErrCiphertextTooShort = errors.New("ciphertext shorter than salt")

// Cipher encrypts and decrypts byte payloads under a password. Every call
// to Encrypt draws a new random salt, so encrypting the same bytes twice
// gives different results.
//
// Sealed format: 16 bytes of salt followed by the AES-256-CFB ciphertext,
// where key and IV are the first 32 and next 16 bytes of
// PBKDF2-HMAC-SHA256(password, salt, iterations).
type Cipher struct {
	password   []byte
	iterations int
}

// NewCipher returns a Cipher for the given password using
// DefaultIterations rounds of key derivation.
func NewCipher(password string) *Cipher {
	return &Cipher{password: []byte(password), iterations: DefaultIterations}
}

// NewCipherIterations is like NewCipher but with an explicit PBKDF2
// iteration count.
func NewCipherIterations(password string, iterations int) *Cipher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Cipher{password: []byte(password), iterations: iterations}
}

// Encrypt encrypts the given bytes with a freshly-salted key.
func Encrypt(plain []byte, password string) ([]byte, error) {
	return NewCipher(password).Encrypt(plain)
}

// Decrypt reverses Encrypt. A wrong password is not detected here; it
// yields garbage that callers must reject when decoding.
func Decrypt(sealed []byte, password string) ([]byte, error) {
	return NewCipher(password).Decrypt(sealed)
}

func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	r, err := c.encryptingReader(salt, bytes.NewReader(plain))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltLength+len(plain))
	out = append(out, salt...)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < saltLength {
		return nil, ErrCiphertextTooShort
	}
	r, err := c.DecryptingReader(bytes.NewReader(sealed))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// DecryptingReader returns an io.Reader that decrypts the sealed stream
// read from r, starting with its salt.
func (c *Cipher) DecryptingReader(r io.Reader) (io.Reader, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(r, salt); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrCiphertextTooShort
		}
		return nil, err
	}
	key, iv := c.derive(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &cipher.StreamReader{S: cipher.NewCFBDecrypter(block, iv), R: r}, nil
}

func (c *Cipher) encryptingReader(salt []byte, r io.Reader) (io.Reader, error) {
	key, iv := c.derive(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &cipher.StreamReader{S: cipher.NewCFBEncrypter(block, iv), R: r}, nil
}

func (c *Cipher) derive(salt []byte) (key, iv []byte) {
	dk := pbkdf2.Key(c.password, salt, c.iterations, keyLength+ivLength, sha256.New)
	return dk[:keyLength], dk[keyLength:]
}
