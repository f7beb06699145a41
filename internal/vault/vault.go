// Package vault seals memory data at rest with AES-256-GCM. Keys are derived
// from a caller-supplied secret with argon2id; the salt and the argon2
// parameters travel in a small plaintext header that is bound to every
// ciphertext as additional authenticated data.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

const (
	// MinSecretLength is the shortest secret New accepts.
	MinSecretLength = 16

	magic         = "VLRA"
	formatVersion = byte(1)
	saltSize      = 16
	keySize       = 32
	// HeaderSize is the encoded length of a Header.
	HeaderSize = len(magic) + 1 + 4 + 4 + 1 + saltSize

	maxMemoryKiB = 4 * 1024 * 1024
)

// Params are the argon2id cost parameters.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams follow the argon2id recommendation for interactive use.
var DefaultParams = Params{Time: 1, Memory: 64 * 1024, Threads: 4}

func (p Params) valid() bool {
	return p.Time >= 1 && p.Threads >= 1 &&
		p.Memory >= 8*uint32(p.Threads) && p.Memory <= maxMemoryKiB
}

// Header identifies the key material a ciphertext was sealed under.
type Header struct {
	Params Params
	Salt   []byte
}

// Encode returns the fixed-size binary form of h.
func (h Header) Encode() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, magic...)
	buf = append(buf, formatVersion)
	buf = binary.BigEndian.AppendUint32(buf, h.Params.Time)
	buf = binary.BigEndian.AppendUint32(buf, h.Params.Memory)
	buf = append(buf, h.Params.Threads)
	buf = append(buf, h.Salt...)
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, goerr.Wrap(models.ErrCorruption, "header truncated", goerr.V("size", len(b)))
	}
	if !bytes.Equal(b[:len(magic)], []byte(magic)) {
		return Header{}, goerr.Wrap(models.ErrCorruption, "bad magic")
	}
	off := len(magic)
	if b[off] != formatVersion {
		return Header{}, goerr.Wrap(models.ErrCorruption, "unsupported format version", goerr.V("version", b[off]))
	}
	off++
	h := Header{
		Params: Params{
			Time:    binary.BigEndian.Uint32(b[off:]),
			Memory:  binary.BigEndian.Uint32(b[off+4:]),
			Threads: b[off+8],
		},
	}
	off += 9
	h.Salt = bytes.Clone(b[off : off+saltSize])
	if !h.Params.valid() {
		return Header{}, goerr.Wrap(models.ErrCorruption, "invalid key derivation parameters")
	}
	return h, nil
}

type keySet struct {
	aead cipher.AEAD
	mac  []byte
}

// Vault derives keys from one secret and seals or opens data under them.
// Derived keys are cached per header, so argon2 runs once per salt.
type Vault struct {
	secret []byte
	params Params

	mu   sync.Mutex
	keys map[string]*keySet
}

// New creates a vault for secret. Params apply to headers created by
// NewHeader; existing headers keep the parameters they were written with.
func New(secret string, params Params) (*Vault, error) {
	if len(secret) < MinSecretLength {
		return nil, goerr.Wrap(models.ErrConfiguration, "encryption secret is too short",
			goerr.V("min_length", MinSecretLength))
	}
	if !params.valid() {
		return nil, goerr.Wrap(models.ErrConfiguration, "invalid key derivation parameters")
	}
	return &Vault{
		secret: []byte(secret),
		params: params,
		keys:   make(map[string]*keySet),
	}, nil
}

// NewHeader returns a header with a fresh random salt.
func (v *Vault) NewHeader() (Header, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Header{}, goerr.Wrap(err, "generate salt")
	}
	return Header{Params: v.params, Salt: salt}, nil
}

func (v *Vault) keysFor(h Header) (*keySet, error) {
	id := string(h.Encode())

	v.mu.Lock()
	defer v.mu.Unlock()
	if ks, ok := v.keys[id]; ok {
		return ks, nil
	}

	master := argon2.IDKey(v.secret, h.Salt, h.Params.Time, h.Params.Memory, h.Params.Threads, keySize)

	encKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, h.Salt, []byte("valora/seal")), encKey); err != nil {
		return nil, goerr.Wrap(err, "derive seal key")
	}
	macKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, h.Salt, []byte("valora/fingerprint")), macKey); err != nil {
		return nil, goerr.Wrap(err, "derive fingerprint key")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, goerr.Wrap(err, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, goerr.Wrap(err, "create GCM")
	}

	ks := &keySet{aead: aead, mac: macKey}
	v.keys[id] = ks
	return ks, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext. aad is bound to
// the ciphertext together with the encoded header.
func (v *Vault) Seal(h Header, plaintext, aad []byte) ([]byte, error) {
	ks, err := v.keysFor(h)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, ks.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, goerr.Wrap(err, "generate nonce")
	}
	return ks.aead.Seal(nonce, nonce, plaintext, additionalData(h, aad)), nil
}

// Open reverses Seal. A wrong secret and tampered bytes both yield
// models.ErrAuthentication.
func (v *Vault) Open(h Header, sealed, aad []byte) ([]byte, error) {
	ks, err := v.keysFor(h)
	if err != nil {
		return nil, err
	}
	nonceSize := ks.aead.NonceSize()
	if len(sealed) < nonceSize+ks.aead.Overhead() {
		return nil, goerr.Wrap(models.ErrCorruption, "ciphertext truncated", goerr.V("size", len(sealed)))
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := ks.aead.Open(nil, nonce, ciphertext, additionalData(h, aad))
	if err != nil {
		return nil, goerr.Wrap(models.ErrAuthentication, "decrypt")
	}
	return plaintext, nil
}

// SealContainer produces a self-describing blob: header followed by the
// sealed plaintext.
func (v *Vault) SealContainer(h Header, plaintext []byte) ([]byte, error) {
	sealed, err := v.Seal(h, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(h.Encode(), sealed...), nil
}

// OpenContainer parses and decrypts a blob written by SealContainer.
func (v *Vault) OpenContainer(data []byte) (Header, []byte, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	plaintext, err := v.Open(h, data[HeaderSize:], nil)
	if err != nil {
		return Header{}, nil, err
	}
	return h, plaintext, nil
}

// Fingerprint returns a keyed hash of content. It lets a backend compare
// contents without keeping them in the clear.
func (v *Vault) Fingerprint(h Header, content string) (string, error) {
	ks, err := v.keysFor(h)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, ks.mac)
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func additionalData(h Header, aad []byte) []byte {
	return append(h.Encode(), aad...)
}
