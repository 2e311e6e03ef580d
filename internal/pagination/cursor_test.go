package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 15, 8, 45, 12, 987654321, time.UTC)

	token := Encode(at, "42")
	require.NotEmpty(t, token)

	c, err := Decode(token)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.CreatedAt.Equal(at))
	assert.Equal(t, "42", c.ID)
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"!!",
		"bm9zZXBhcmF0b3I", // "noseparator"
		Encode(time.Now(), "")[:4],
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return at, s }

	// Under the limit: everything fits, no cursor.
	page, token, more := ComputePage([]string{"a", "b"}, 3, key)
	assert.Len(t, page, 2)
	assert.Empty(t, token)
	assert.False(t, more)

	// Exactly the limit: full page but nothing beyond it.
	page, token, more = ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, token)
	assert.False(t, more)

	// Over-fetch row present: trim and point the cursor at the last kept row.
	page, token, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, page)
	assert.True(t, more)
	c, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
