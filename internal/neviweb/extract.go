package neviweb

import (
	"bytes"
	"encoding/json"
)

// fieldMatch distinguishes "no candidate key matched" from "a key
// matched but carried null". The backend is inconsistent about key
// names, so callers probe an ordered candidate list.
type fieldMatch int

const (
	fieldMissing fieldMatch = iota
	fieldNull
	fieldFound
)

// stringField probes keys in priority order and returns the first
// match. A present-but-null value stops the probe: the backend did
// answer, it just answered nothing.
func stringField(raw map[string]json.RawMessage, keys ...string) (string, fieldMatch) {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if isJSONNull(value) {
			return "", fieldNull
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		return s, fieldFound
	}
	return "", fieldMissing
}

func isJSONNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}
