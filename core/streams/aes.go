package streams

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

// EncryptionType is the mode byte stored at physical offset 0.
type EncryptionType byte

const (
	EncryptionNone   EncryptionType = 0
	EncryptionAesEcb EncryptionType = 1 // legacy, opened but never created
	EncryptionAesXts EncryptionType = 2
)

const (
	saltLength = 16
	// pageSize mirrors pages.PageSize; kept local so the stream layer does
	// not depend on the page package.
	pageSize = 8192

	pbkdf2Iterations = 1000
	derivedKeyLength = 32
)

var (
	// ErrWrongPassword is returned when the descriptor page does not decode
	// under the derived key.
	ErrWrongPassword = errors.New("streams: wrong password")
	// ErrUnalignedAccess is returned for encrypted access not aligned to
	// whole pages; the cipher operates on page-sized sectors.
	ErrUnalignedAccess = errors.New("streams: encrypted stream requires page-aligned access")
)

// AesStream encrypts an underlying stream with a sector cipher. The first
// physical page holds the encryption descriptor (mode byte + salt); logical
// offset 0 maps to physical offset pageSize.
type AesStream struct {
	inner Stream
	mode  EncryptionType
	salt  []byte

	xtsCipher *xts.Cipher
	ecbCipher cipher.Block
}

// NewAesStream opens or initializes encryption over inner. When the stream
// is empty a new XTS descriptor is written; otherwise the existing
// descriptor selects the mode (XTS, or legacy ECB for old files).
func NewAesStream(password string, inner Stream) (*AesStream, error) {
	length, err := inner.Length()
	if err != nil {
		return nil, err
	}

	s := &AesStream{inner: inner}

	if length == 0 {
		s.mode = EncryptionAesXts
		s.salt = make([]byte, saltLength)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, err
		}
		descriptor := make([]byte, pageSize)
		descriptor[0] = byte(s.mode)
		copy(descriptor[1:1+saltLength], s.salt)
		if _, err := inner.Write(descriptor, 0); err != nil {
			return nil, err
		}
	} else {
		descriptor := make([]byte, pageSize)
		if _, err := inner.Read(descriptor, 0); err != nil {
			return nil, err
		}
		s.mode = EncryptionType(descriptor[0])
		if s.mode != EncryptionAesEcb && s.mode != EncryptionAesXts {
			return nil, fmt.Errorf("streams: unknown encryption mode 0x%02X", descriptor[0])
		}
		s.salt = make([]byte, saltLength)
		copy(s.salt, descriptor[1:1+saltLength])
	}

	key := pbkdf2.Key([]byte(password), s.salt, pbkdf2Iterations, derivedKeyLength, sha1.New)

	switch s.mode {
	case EncryptionAesXts:
		s.xtsCipher, err = xts.NewCipher(aes.NewCipher, key)
		if err != nil {
			return nil, err
		}
	case EncryptionAesEcb:
		s.ecbCipher, err = aes.NewCipher(key[:16])
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Mode returns the active encryption mode.
func (s *AesStream) Mode() EncryptionType { return s.mode }

// Salt returns the stored key-derivation salt.
func (s *AesStream) Salt() []byte { return s.salt }

func (s *AesStream) Read(p []byte, position int64) (int, error) {
	if position%pageSize != 0 || len(p)%pageSize != 0 {
		return 0, ErrUnalignedAccess
	}
	n, err := s.inner.Read(p, position+pageSize)
	if err != nil {
		return n, err
	}
	for off := 0; off < n; off += pageSize {
		sector := uint64((position + int64(off)) / pageSize)
		s.decryptSector(p[off:off+pageSize], sector)
	}
	return n, nil
}

func (s *AesStream) Write(p []byte, position int64) (int, error) {
	if position%pageSize != 0 || len(p)%pageSize != 0 {
		return 0, ErrUnalignedAccess
	}
	encrypted := make([]byte, len(p))
	for off := 0; off < len(p); off += pageSize {
		sector := uint64((position + int64(off)) / pageSize)
		s.encryptSector(encrypted[off:off+pageSize], p[off:off+pageSize], sector)
	}
	return s.inner.Write(encrypted, position+pageSize)
}

func (s *AesStream) encryptSector(dst, src []byte, sector uint64) {
	if s.mode == EncryptionAesXts {
		s.xtsCipher.Encrypt(dst, src, sector)
		return
	}
	for b := 0; b < pageSize; b += aes.BlockSize {
		s.ecbCipher.Encrypt(dst[b:b+aes.BlockSize], src[b:b+aes.BlockSize])
	}
}

func (s *AesStream) decryptSector(buf []byte, sector uint64) {
	if s.mode == EncryptionAesXts {
		s.xtsCipher.Decrypt(buf, buf, sector)
		return
	}
	for b := 0; b < pageSize; b += aes.BlockSize {
		s.ecbCipher.Decrypt(buf[b:b+aes.BlockSize], buf[b:b+aes.BlockSize])
	}
}

func (s *AesStream) Length() (int64, error) {
	length, err := s.inner.Length()
	if err != nil {
		return 0, err
	}
	if length < pageSize {
		return 0, nil
	}
	return length - pageSize, nil
}

func (s *AesStream) SetLength(length int64) error {
	return s.inner.SetLength(length + pageSize)
}

func (s *AesStream) FlushToDisk() error {
	return s.inner.FlushToDisk()
}

func (s *AesStream) Close() error {
	return s.inner.Close()
}
