package registry

import (
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
)

// ManifestRecord is one entry of the persisted model manifest.
type ManifestRecord struct {
	ID         string           `json:"id"`
	Source     string           `json:"source"`
	Format     model.Format     `json:"format"`
	Parameters model.Parameters `json:"parameters"`
	Metadata   model.Metadata   `json:"metadata"`
}

// ManifestStore loads the startup manifest once and can be told to re-save
// it on mutation. It never auto-reloads mid-flight: models are not
// hot-swapped from disk, only explicit Load/Unload calls mutate the
// in-memory Registry.
type ManifestStore struct {
	mu     sync.Mutex
	path   string
	logger *observability.Logger
}

// NewManifestStore binds a store to path. An empty path disables persistence.
func NewManifestStore(path string, logger *observability.Logger) *ManifestStore {
	return &ManifestStore{path: path, logger: logger}
}

// Load reads the manifest file. A missing file returns an empty list with
// no error; a corrupt or unreadable manifest is tolerated and logged rather
// than treated as fatal.
func (s *ManifestStore) Load() []ManifestRecord {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("manifest unreadable, starting empty", "path", s.path, "error", err)
		}
		return nil
	}

	var records []ManifestRecord
	if err := json.Unmarshal(data, &records); err != nil {
		if s.logger != nil {
			s.logger.Warn("manifest corrupt, starting empty", "path", s.path, "error", err)
		}
		return nil
	}
	return records
}

// Save writes records to the manifest path, overwriting any prior content.
// Disabled (no-op) when the store has no path.
func (s *ManifestStore) Save(records []ManifestRecord) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Snapshot builds the manifest records for every model currently in reg.
func Snapshot(reg *Registry) []ManifestRecord {
	models := reg.All()
	records := make([]ManifestRecord, 0, len(models))
	for _, m := range models {
		records = append(records, ManifestRecord{
			ID:         m.ID,
			Source:     m.Source,
			Format:     m.Format,
			Parameters: m.Params,
			Metadata:   m.Metadata,
		})
	}
	return records
}
