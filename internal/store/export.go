package store

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"

	"github.com/bigbes/xctl/internal/xray"
)

// Export format, since the config carries the Reality private key:
//
//	magic (5 bytes): "XCTL\x01"
//	salt  (32 bytes): random, for Argon2id
//	nonce (12 bytes): random, for AES-256-GCM
//	ciphertext (rest): AES-256-GCM sealed config JSON (includes 16-byte auth tag)

var exportMagic = []byte("XCTL\x01")

const (
	saltSize  = 32
	nonceSize = 12
)

// ErrBadExport is returned for data that is not an export or does not open
// with the given password.
var ErrBadExport = errors.New("not a valid export or wrong password")

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("store: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: gcm: %w", err)
	}
	return gcm, nil
}

// Export writes the live config (seq 0) or backup seq to w, encrypted with
// password.
func (s *Store) Export(w io.Writer, seq int, password string) error {
	if password == "" {
		return errors.New("store: export: empty password")
	}
	path := s.path
	if seq != 0 {
		b, err := s.Backup(seq)
		if err != nil {
			return err
		}
		path = b.Path
	}
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return &IOError{Op: "read", Path: path, Err: err}
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("store: generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("store: generate nonce: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return err
	}

	for _, part := range [][]byte{exportMagic, salt, nonce, gcm.Seal(nil, nonce, plaintext, nil)} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("store: write export: %w", err)
		}
	}
	return nil
}

// Import decrypts an export, validates it and saves it as the live config.
// The replaced config is backed up like on any save.
func (s *Store) Import(r io.Reader, password string) (*xray.Config, *Backup, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("store: read import: %w", err)
	}
	header := len(exportMagic) + saltSize + nonceSize
	if len(data) < header || !bytes.HasPrefix(data, exportMagic) {
		return nil, nil, fmt.Errorf("store: import: %w", ErrBadExport)
	}
	salt := data[len(exportMagic) : len(exportMagic)+saltSize]
	nonce := data[len(exportMagic)+saltSize : header]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[header:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("store: import: %w", ErrBadExport)
	}

	cfg, err := decode("import", plaintext)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.commit(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return cfg, b, nil
}
