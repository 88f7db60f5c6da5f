package identity

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTrip(t *testing.T) {
	var id ID
	copy(id[:], bytes.Repeat([]byte{0x42}, Size))

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParse_KnownKey(t *testing.T) {
	// A 44-character wallet key.
	id, err := Parse("GGrXhNVxUZXaA2uMopsa5q23aPmoNvQF14uxqo8qENUr")
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	assert.Equal(t, "GGrXhNVxUZXaA2uMopsa5q23aPmoNvQF14uxqo8qENUr", id.String())
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "   ", "0OIl", "abc"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidID, "input %q", s)
	}
}

func TestID_JSON(t *testing.T) {
	var id ID
	id[0] = 7
	data, err := json.Marshal(struct {
		Party ID `json:"party"`
	}{id})
	require.NoError(t, err)

	var out struct {
		Party ID `json:"party"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out.Party)
}

func TestFromBytes(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidID)

	id, err := FromBytes(bytes.Repeat([]byte{1}, Size))
	require.NoError(t, err)
	assert.Equal(t, byte(1), id[31])
}

func TestParseDigest(t *testing.T) {
	hexStr := "0x" + string(bytes.Repeat([]byte("ab"), Size))
	d, err := ParseDigest(hexStr)
	require.NoError(t, err)
	assert.Equal(t, hexStr, d.String())
	assert.False(t, d.IsZero())

	_, err = ParseDigest("0x1234")
	assert.ErrorIs(t, err, ErrInvalidDigest)
	_, err = ParseDigest("zz")
	assert.ErrorIs(t, err, ErrInvalidDigest)
}

func TestDigest_JSON(t *testing.T) {
	var d Digest
	d[31] = 0xff
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var out Digest
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, d, out)
	assert.True(t, Digest{}.IsZero())
}
