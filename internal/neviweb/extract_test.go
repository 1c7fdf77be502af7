package neviweb

import (
	"encoding/json"
	"testing"
)

func TestStringFieldProbe(t *testing.T) {
	parse := func(t *testing.T, body string) map[string]json.RawMessage {
		t.Helper()
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			t.Fatalf("parse: %v", err)
		}
		return raw
	}

	t.Run("first key wins", func(t *testing.T) {
		value, match := stringField(parse(t, `{"a":"one","b":"two"}`), "a", "b")
		if match != fieldFound || value != "one" {
			t.Fatalf("got %q match=%d", value, match)
		}
	})

	t.Run("falls through missing keys", func(t *testing.T) {
		value, match := stringField(parse(t, `{"b":"two"}`), "a", "b")
		if match != fieldFound || value != "two" {
			t.Fatalf("got %q match=%d", value, match)
		}
	})

	t.Run("null is matched not missing", func(t *testing.T) {
		_, match := stringField(parse(t, `{"a":null,"b":"two"}`), "a", "b")
		if match != fieldNull {
			t.Fatalf("expected null match, got %d", match)
		}
	})

	t.Run("no candidate", func(t *testing.T) {
		_, match := stringField(parse(t, `{"c":"three"}`), "a", "b")
		if match != fieldMissing {
			t.Fatalf("expected missing, got %d", match)
		}
	})

	t.Run("non-string value skipped", func(t *testing.T) {
		value, match := stringField(parse(t, `{"a":5,"b":"two"}`), "a", "b")
		if match != fieldFound || value != "two" {
			t.Fatalf("got %q match=%d", value, match)
		}
	})
}
