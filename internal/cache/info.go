package cache

import (
	"strconv"
	"strings"
	"time"
)

// parseInfoField extracts a "key:value" line from a Redis INFO blob.
func parseInfoField(info, field string) string {
	for _, line := range strings.Split(info, "\r\n") {
		if rest, ok := cutPrefix(line, field+":"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func parseUptime(info string) time.Duration {
	raw := parseInfoField(info, "uptime_in_seconds")
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
