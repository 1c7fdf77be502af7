package coordinator

import (
	"testing"

	"github.com/joshp123/schluter-go/internal/neviweb"
)

func TestRegistryAddValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Add(New("", nil, &fakeSession{}, nil)); err == nil {
		t.Fatalf("empty id must be rejected")
	}
	if err := r.Add(New("Bad ID", nil, &fakeSession{}, nil)); err == nil {
		t.Fatalf("invalid id must be rejected")
	}
	if err := r.Add(New("home", nil, &fakeSession{}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(New("home", nil, &fakeSession{}, nil)); err == nil {
		t.Fatalf("duplicate id must be rejected")
	}

	names := r.Names()
	if len(names) != 1 || names[0] != "home" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(New("home", nil, &fakeSession{}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	r.Remove("home")
	if _, ok := r.Get("home"); ok {
		t.Fatalf("removed entry still registered")
	}
	// Removing twice is a no-op.
	r.Remove("home")
}

func TestDirectoryReplaceIsAtomic(t *testing.T) {
	var d Directory
	if d.Populated() {
		t.Fatalf("fresh directory must not be populated")
	}

	// A location with no devices is not populated either; discovery
	// keeps retrying until devices show up.
	d.Replace(neviweb.Location{ID: 1, Name: "Home"}, nil)
	if d.Populated() {
		t.Fatalf("empty device listing must not count as populated")
	}

	d.Replace(neviweb.Location{ID: 1, Name: "Home"}, []neviweb.Device{{ID: 10, Name: "Bathroom"}})
	if !d.Populated() {
		t.Fatalf("directory not populated after replace")
	}
	if _, ok := d.Device(10); !ok {
		t.Fatalf("device lookup failed")
	}

	// A second discovery replaces, never merges.
	d.Replace(neviweb.Location{ID: 1, Name: "Home"}, []neviweb.Device{{ID: 11, Name: "Kitchen"}})
	if _, ok := d.Device(10); ok {
		t.Fatalf("stale device survived replace")
	}
	if len(d.Devices()) != 1 {
		t.Fatalf("expected 1 device, got %d", len(d.Devices()))
	}

	devices := d.Devices()
	devices[0].Name = "mutated"
	if d.Devices()[0].Name != "Kitchen" {
		t.Fatalf("Devices must return a copy")
	}
}
