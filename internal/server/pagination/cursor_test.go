package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	cursor := EncodeCursor(3, 1042)
	assert.NotContains(t, cursor, "1042", "cursor should be opaque")

	feedID, lastID, err := DecodeCursor(cursor)
	require.NoError(t, err)
	assert.EqualValues(t, 3, feedID)
	assert.EqualValues(t, 1042, lastID)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	for name, cursor := range map[string]string{
		"not base64":    "%%%",
		"no separator":  base64.RawURLEncoding.EncodeToString([]byte("12")),
		"bad feed id":   base64.RawURLEncoding.EncodeToString([]byte("x,12")),
		"negative id":   base64.RawURLEncoding.EncodeToString([]byte("0,-4")),
		"empty entries": base64.RawURLEncoding.EncodeToString([]byte("0,")),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeCursor(cursor)
			assert.Error(t, err)
		})
	}
}
