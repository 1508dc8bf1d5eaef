package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var shareID [shareIDSize]byte
	for i := range shareID {
		shareID[i] = byte(i + 1)
	}
	indexMessageID := "<abc123@shardkeep.example>"

	s := Encode(shareID, indexMessageID)
	assert.NotContains(t, s, "=") // unpadded

	c, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, shareID, c.ShareID)
	assert.True(t, c.VerifyIndexMessageID(indexMessageID))
	assert.False(t, c.VerifyIndexMessageID("<other@shardkeep.example>"))
}

func TestDecodeIsCaseInsensitive(t *testing.T) {
	var shareID [shareIDSize]byte
	s := Encode(shareID, "<msg@x>")

	c1, err := Decode(s)
	require.NoError(t, err)
	c2, err := Decode(strings.ToLower(s))
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode("AAAA")
	assert.Error(t, err)
}

func TestDecodeRejectsBadMagicOrVersion(t *testing.T) {
	var shareID [shareIDSize]byte
	s := Encode(shareID, "<msg@x>")
	raw, err := encoding.DecodeString(strings.ToUpper(s))
	require.NoError(t, err)
	raw[0] = 0x00 // corrupt magic
	corrupted := encoding.EncodeToString(raw)

	_, err = Decode(corrupted)
	assert.Error(t, err)
}

func TestNewShareIDRoundTrip(t *testing.T) {
	var shareID [shareIDSize]byte
	for i := range shareID {
		shareID[i] = byte(255 - i)
	}
	c := &Credential{ShareID: shareID}
	s := c.ShareIDString()

	back, err := NewShareID(s)
	require.NoError(t, err)
	assert.Equal(t, shareID, back)
}
