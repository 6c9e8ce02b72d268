// sealed.go - Password-sealed participant keys
//
// A sealed blob is header || ciphertext. The header carries the KDF
// parameters, salt and nonce and is authenticated as associated data.
package sealed

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	magic      = "TSK1"
	saltSize   = 16
	headerSize = len(magic) + 4 + 4 + 1 + saltSize + chacha20poly1305.NonceSizeX

	// Upper bounds on header parameters accepted by Open
	MaxTime    = 16
	MaxMemory  = 2 << 20 // KiB, 2 GiB
	MaxThreads = 64
)

var (
	// ErrAuthenticationFailure covers a wrong password and a tampered blob alike
	ErrAuthenticationFailure = errors.New("sealed: authentication failure")
	ErrMalformed             = errors.New("sealed: malformed blob")
)

// Params are the Argon2id cost settings
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams: time=3, memory=64MB, threads=4
func DefaultParams() Params {
	return Params{Time: 3, Memory: 64 * 1024, Threads: 4}
}

func (p Params) validate() error {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return fmt.Errorf("%w: zero kdf parameter", ErrMalformed)
	}
	if p.Time > MaxTime || p.Memory > MaxMemory || p.Threads > MaxThreads {
		return fmt.Errorf("%w: kdf parameters (t=%d, m=%d KiB, p=%d) exceed limits", ErrMalformed, p.Time, p.Memory, p.Threads)
	}
	return nil
}

// Seal encrypts plaintext under password with DefaultParams
func Seal(plaintext, password []byte) ([]byte, error) {
	return SealWithParams(plaintext, password, DefaultParams())
}

// SealWithParams encrypts plaintext under password
func SealWithParams(plaintext, password []byte, p Params) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	header := make([]byte, 0, headerSize)
	header = append(header, magic...)
	header = binary.BigEndian.AppendUint32(header, p.Time)
	header = binary.BigEndian.AppendUint32(header, p.Memory)
	header = append(header, p.Threads)

	random := make([]byte, saltSize+chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		return nil, err
	}
	header = append(header, random...)
	salt, nonce := random[:saltSize], random[saltSize:]

	key := deriveKey(password, salt, p)
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(header, nonce, plaintext, header), nil
}

// Open decrypts a blob produced by Seal. Header parameters outside the
// Max* bounds are rejected before any key derivation.
func Open(blob, password []byte) ([]byte, error) {
	if len(blob) < headerSize+chacha20poly1305.Overhead || !bytes.HasPrefix(blob, []byte(magic)) {
		return nil, ErrMalformed
	}
	header, ct := blob[:headerSize], blob[headerSize:]
	off := len(magic)
	p := Params{
		Time:    binary.BigEndian.Uint32(header[off:]),
		Memory:  binary.BigEndian.Uint32(header[off+4:]),
		Threads: header[off+8],
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	off += 9
	salt := header[off : off+saltSize]
	nonce := header[off+saltSize:]

	key := deriveKey(password, salt, p)
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, header)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

func deriveKey(password, salt []byte, p Params) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
