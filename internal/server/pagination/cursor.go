package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorSeparator = ","

// EncodeCursor creates an opaque cursor from the feed filter and the id of
// the last entry on the page. A feedID of 0 means all feeds.
func EncodeCursor(feedID, lastID int64) string {
	key := fmt.Sprintf("%d%s%d", feedID, cursorSeparator, lastID)
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeCursor parses the opaque cursor string back into feed filter and entry id.
func DecodeCursor(encodedCursor string) (feedID, lastID int64, err error) {
	decodedBytes, err := base64.RawURLEncoding.DecodeString(encodedCursor)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decodedBytes), cursorSeparator, 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid cursor format")
	}

	feedID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || feedID < 0 {
		return 0, 0, fmt.Errorf("invalid feed id in cursor: %q", parts[0])
	}
	lastID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || lastID < 0 {
		return 0, 0, fmt.Errorf("invalid entry id in cursor: %q", parts[1])
	}
	return feedID, lastID, nil
}
