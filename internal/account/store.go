package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const SchemaVersion = 1

var ErrEntryNotFound = errors.New("account entry not found")

// Entry is the persisted credential state for one account entry. Only
// the refresh token is durable; everything else the daemon derives at
// runtime.
type Entry struct {
	SchemaVersion int    `json:"schema_version"`
	EntryID       string `json:"entry_id"`
	RefreshToken  string `json:"refresh_token"`
	LocationID    int64  `json:"location_id,omitempty"`
}

func (e Entry) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version: %d", e.SchemaVersion)
	}
	if e.EntryID == "" {
		return fmt.Errorf("entry missing entry_id")
	}
	if e.RefreshToken == "" {
		return fmt.Errorf("entry missing refresh_token")
	}
	return nil
}

// Store persists entries as 0600 JSON files under a state directory,
// optionally mirrored to object storage. Local state wins on load; the
// blob mirror is a fallback for fresh hosts.
type Store struct {
	dir  string
	blob BlobStore
}

func NewStore(dir string, blob BlobStore) *Store {
	return &Store{dir: dir, blob: blob}
}

// Load reads one entry, falling back to the blob mirror when no local
// file exists. A blob hit is written back locally.
func (s *Store) Load(ctx context.Context, entryID string) (Entry, error) {
	data, err := os.ReadFile(s.path(entryID))
	if err == nil {
		return decode(data)
	}
	if !os.IsNotExist(err) {
		return Entry{}, fmt.Errorf("read entry: %w", err)
	}

	if s.blob == nil {
		return Entry{}, ErrEntryNotFound
	}
	data, err = s.blob.Load(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	entry, err := decode(data)
	if err != nil {
		return Entry{}, err
	}
	if err := s.writeLocal(entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Save persists an entry locally and mirrors it to the blob store. A
// failed mirror is reported but does not undo the local write.
func (s *Store) Save(ctx context.Context, entry Entry) error {
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = SchemaVersion
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := s.writeLocal(entry); err != nil {
		return err
	}
	if s.blob == nil {
		return nil
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.blob.Save(ctx, entry.EntryID, data); err != nil {
		return fmt.Errorf("mirror entry: %w", err)
	}
	return nil
}

func (s *Store) writeLocal(entry Entry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return os.WriteFile(s.path(entry.EntryID), data, 0o600)
}

func (s *Store) path(entryID string) string {
	return filepath.Join(s.dir, entryID+".json")
}

func decode(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
