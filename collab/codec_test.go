package collab

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := GenerateRoomKey()
	elements := []*Element{
		testElement("e1", 1, 10),
		testElement("e2", 4, 20),
		DeleteElement(testElement("e3", 2, 30), time.Now()),
	}

	ciphertext, iv, err := EncryptElements(key, elements)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, 0, len(ciphertext))
	assert.NotEqual(t, 0, len(iv))

	decrypted, err := DecryptElements(iv, ciphertext, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, elements, decrypted)
}

func TestEncryptFreshIvPerCall(t *testing.T) {
	key := GenerateRoomKey()
	elements := []*Element{testElement("e1", 1, 1)}

	_, iv1, err := EncryptElements(key, elements)
	assert.Equal(t, nil, err)
	_, iv2, err := EncryptElements(key, elements)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, iv1, iv2)
}

func TestDecryptWrongKey(t *testing.T) {
	key := GenerateRoomKey()
	wrongKey := GenerateRoomKey()
	elements := []*Element{testElement("e1", 1, 1)}

	ciphertext, iv, err := EncryptElements(key, elements)
	assert.Equal(t, nil, err)

	_, err = DecryptElements(iv, ciphertext, wrongKey)
	assert.Equal(t, true, errors.Is(err, ErrDecryption))
}

func TestDecryptCorruptedInput(t *testing.T) {
	key := GenerateRoomKey()
	elements := []*Element{testElement("e1", 1, 1)}

	ciphertext, iv, err := EncryptElements(key, elements)
	assert.Equal(t, nil, err)

	corrupted := make([]byte, len(ciphertext))
	copy(corrupted, ciphertext)
	corrupted[0] ^= 0xff
	_, err = DecryptElements(iv, corrupted, key)
	assert.Equal(t, true, errors.Is(err, ErrDecryption))

	_, err = DecryptElements(iv[1:], ciphertext, key)
	assert.Equal(t, true, errors.Is(err, ErrDecryption))
}

func TestRoomKeyString(t *testing.T) {
	key := GenerateRoomKey()
	parsed, err := RoomKeyFromString(key.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, key, parsed)

	_, err = RoomKeyFromString("too-short")
	assert.NotEqual(t, nil, err)

	_, err = RoomKeyFromString("not base64url !!!")
	assert.NotEqual(t, nil, err)
}

func TestRoomLinkRoundTrip(t *testing.T) {
	key := GenerateRoomKey()
	link := FormatRoomLink("https://app.example.com", "room123", key)

	roomId, parsedKey, err := ParseRoomLink(link)
	assert.Equal(t, nil, err)
	assert.Equal(t, "room123", roomId)
	assert.Equal(t, key, parsedKey)

	// fragment alone parses too
	roomId, parsedKey, err = ParseRoomLink("room=room123," + key.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, "room123", roomId)
	assert.Equal(t, key, parsedKey)
}

// a malformed link must abort entering collaborative mode,
// never reach decryption
func TestRoomLinkMalformed(t *testing.T) {
	for _, link := range []string{
		"https://app.example.com",
		"#room=",
		"#room=room123",
		"#room=room123,short-key",
		"#room=,validlookingbutnoroomid",
	} {
		_, _, err := ParseRoomLink(link)
		assert.Equal(t, true, errors.Is(err, ErrInvalidLink))
	}
}
