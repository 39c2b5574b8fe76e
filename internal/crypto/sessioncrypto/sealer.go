// Package sessioncrypto seals stored account credentials at rest.
package sessioncrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// masterSalt is fixed: the secret itself is operator-chosen and never stored.
var masterSalt = []byte("goetia-bot/session-master/v1")

// ErrShortBlob is returned for input shorter than a nonce.
var ErrShortBlob = errors.New("sealed blob too short")

// Sealer encrypts credential blobs with a per-user key derived from one secret.
type Sealer struct {
	master []byte
}

// NewSealer derives the master key from secret using Argon2id.
func NewSealer(secret string) *Sealer {
	return &Sealer{master: argon2.IDKey([]byte(secret), masterSalt, argonTime, argonMemory, argonThreads, KeyLen)}
}

func userBytes(userID int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(userID))
	return b[:]
}

// userKey derives a per-user key via HKDF-SHA256 using the user id as info.
func (s *Sealer) userKey(userID int64) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, userBytes(userID))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts plaintext with XChaCha20-Poly1305, AAD = user id, random nonce prefix.
func (s *Sealer) Seal(userID int64, plaintext []byte) ([]byte, error) {
	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, userBytes(userID))...)
	return out, nil
}

// Open decrypts a blob produced by Seal for the same user.
func (s *Sealer) Open(userID int64, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrShortBlob
	}
	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, userBytes(userID))
}
