package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func TestEncodeDecode(t *testing.T) {
	encoded := Encode(t0, "0b7f5a9e-3a57-4c39-9d4e-1f2b3c4d5e6f")
	assert.NotEmpty(t, encoded)
	assert.NotContains(t, encoded, "=")

	c, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, t0, c.At)
	assert.Equal(t, "0b7f5a9e-3a57-4c39-9d4e-1f2b3c4d5e6f", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	tests := map[string]string{
		"not base64": "not-base64!!!",
		"no pipe":    "bm9waXBl",     // "nopipe"
		"no id":      "MTIzfA",       // "123|"
		"bad nanos":  "YWJjfGlkLTE", // "abc|id-1"
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestCursor_Admits(t *testing.T) {
	var none *Cursor
	assert.True(t, none.Admits(t0, "anything"))

	c := &Cursor{At: t0, ID: "m"}
	assert.True(t, c.Admits(t0.Add(-time.Second), "z"))
	assert.False(t, c.Admits(t0.Add(time.Second), "a"))
	assert.True(t, c.Admits(t0, "a"))
	assert.False(t, c.Admits(t0, "m"))
	assert.False(t, c.Admits(t0, "z"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) { return t0, s }

	items, next := ComputePage([]string{"c", "b", "a"}, 5, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)

	items, next = ComputePage([]string{"d", "c", "b", "a"}, 3, key)
	assert.Equal(t, []string{"d", "c", "b"}, items)
	require.NotEmpty(t, next)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
	assert.True(t, c.Admits(t0, "a"))
}
