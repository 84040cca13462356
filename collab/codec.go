package collab

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// raw room key length. the key travels only in the link fragment,
// never to the relay or the store.
const RoomKeyLength = 32

var sealInfoScene = []byte("collab.scene.v1")

// ErrDecryption means the key does not match or the payload is corrupted.
// Fatal for that payload only. The caller skips the payload and keeps the
// session alive; retrying with the same key is pointless.
var ErrDecryption = errors.New("decryption failed")

type RoomKey [RoomKeyLength]byte

func GenerateRoomKey() RoomKey {
	var key RoomKey
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		panic(err)
	}
	return key
}

// RoomKeyFromString parses the base64url key from a collaboration link.
// The length is validated before any use so that a malformed key aborts
// entering collaborative mode instead of producing garbage decryptions.
func RoomKeyFromString(keyStr string) (RoomKey, error) {
	keyBytes, err := base64.RawURLEncoding.DecodeString(keyStr)
	if err != nil {
		return RoomKey{}, fmt.Errorf("room key is not base64url: %w", err)
	}
	if len(keyBytes) != RoomKeyLength {
		return RoomKey{}, fmt.Errorf("room key must be %d bytes, got %d", RoomKeyLength, len(keyBytes))
	}
	return RoomKey(keyBytes), nil
}

func (self RoomKey) String() string {
	return base64.RawURLEncoding.EncodeToString(self[:])
}

// the aead key is derived from the link key material rather than used raw,
// so the same link key can later fan out to other subkeys (blobs, presence)
// without new out-of-band distribution
func deriveSealKey(key RoomKey, info []byte) []byte {
	reader := hkdf.New(sha256.New, key[:], nil, info)
	sealKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, sealKey); err != nil {
		panic(err)
	}
	return sealKey
}

func sealBytes(key RoomKey, plaintext []byte) (ciphertext []byte, iv []byte, err error) {
	aead, err := chacha20poly1305.NewX(deriveSealKey(key, sealInfoScene))
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

func openBytes(iv []byte, ciphertext []byte, key RoomKey) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveSealKey(key, sealInfoScene))
	if err != nil {
		return nil, err
	}
	if len(iv) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrDecryption, len(iv))
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryption, err)
	}
	return plaintext, nil
}

// EncryptElements serializes the element list and seals it with the room key.
// A fresh random iv is produced per call.
func EncryptElements(key RoomKey, elements []*Element) (ciphertext []byte, iv []byte, err error) {
	plaintext, err := cbor.Marshal(elements)
	if err != nil {
		return nil, nil, err
	}
	return sealBytes(key, plaintext)
}

// DecryptElements is the inverse of EncryptElements.
// A wrong key or corrupted input returns an error wrapping ErrDecryption.
func DecryptElements(iv []byte, ciphertext []byte, key RoomKey) ([]*Element, error) {
	plaintext, err := openBytes(iv, ciphertext, key)
	if err != nil {
		return nil, err
	}
	var elements []*Element
	if err := cbor.Unmarshal(plaintext, &elements); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryption, err)
	}
	return elements, nil
}
