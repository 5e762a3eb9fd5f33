package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/g960059/midiroute/internal/config"
)

// LoopbackRecord is the persisted form of one user-managed endpoint. Backend
// is optional and omitted when empty; the catalog writes records with id and
// name only, so a legacy id+name document loads and is written back in the
// same shape.
type LoopbackRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Backend string `json:"backend,omitempty"`
}

// LoopbackStore reads and writes the loopback endpoint document. Writes are
// atomic; a document that fails to parse is backed up with a timestamped
// suffix and replaced with an empty set.
type LoopbackStore struct {
	path string
	now  func() time.Time
}

func NewLoopbackStore(path string) *LoopbackStore {
	return &LoopbackStore{path: path, now: time.Now}
}

// Load returns the persisted records. A missing file is an empty set. A
// corrupt file is backed up; the returned error wraps config.ErrCorrupt and
// the record set is empty.
func (s *LoopbackStore) Load() ([]LoopbackRecord, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read loopback document: %w", err)
	}
	var records []LoopbackRecord
	if parseErr := json.Unmarshal(raw, &records); parseErr != nil {
		backup, backupErr := config.BackupCorrupt(s.path, s.now())
		if backupErr != nil {
			return nil, fmt.Errorf("%w: %v (backup failed: %v)", config.ErrCorrupt, parseErr, backupErr)
		}
		return nil, fmt.Errorf("%w: %v (backed up to %s)", config.ErrCorrupt, parseErr, backup)
	}
	return records, nil
}

// Save writes the record set tmp-then-rename.
func (s *LoopbackStore) Save(records []LoopbackRecord) error {
	if records == nil {
		records = []LoopbackRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode loopback document: %w", err)
	}
	data = append(data, '\n')
	return config.WriteFileAtomic(s.path, data)
}
