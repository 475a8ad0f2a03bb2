// Package timeseries is the Time-Series Adapter (spec.md §4.2). Cursor
// encoding is lifted directly from history-service/internal/store/cursor.go,
// generalized from a uuid row id to the uint64 autoincrement id used by
// TelemetryPoint.
package timeseries

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Cursor struct {
	TS time.Time
	ID uint64
}

func EncodeCursor(c Cursor) string {
	s := fmt.Sprintf("%s|%d", c.TS.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func DecodeCursor(v string) (*Cursor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor id: %w", err)
	}
	return &Cursor{TS: ts, ID: id}, nil
}
