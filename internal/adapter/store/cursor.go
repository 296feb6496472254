package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"agentcore/internal/domain"
)

// Cursors are opaque to callers: a base64 wrapper around the last-seen
// ordering key so pages stay stable under concurrent appends.

func encodeCursor(key int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(key, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
	}
	key, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
	}
	return key, nil
}

// Thread pages order by last activity, so their cursor carries the
// updated_at timestamp plus the creation key as a tiebreaker.

func encodeThreadCursor(updatedAt string, key int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(updatedAt + "|" + strconv.FormatInt(key, 10)))
}

func decodeThreadCursor(cursor string) (string, int64, error) {
	if cursor == "" {
		return "", 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0, fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
	}
	at, keyStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return "", 0, fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
	}
	key, err := strconv.ParseInt(keyStr, 10, 64)
	if err != nil || at == "" {
		return "", 0, fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
	}
	return at, key, nil
}
