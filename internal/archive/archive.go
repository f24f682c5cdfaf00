package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/logging"
)

// Archive keeps snappy-compressed copies of observed Plan changesets on
// disk, one file per database per plan index. It is a debugging aid: when
// a reconciliation pass misbehaves, the exact inputs it saw can be
// replayed.
//
// Layout: {dir}/{database}/{planIndex}.json.sz
type Archive struct {
	dir       string
	retention int
	logger    *logging.Logger
}

// New creates an archive rooted at dir, keeping at most retention entries
// per database.
func New(dir string, retention int, logger *logging.Logger) (*Archive, error) {
	if retention < 1 {
		return nil, fmt.Errorf("archive retention must be at least 1")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}
	return &Archive{dir: dir, retention: retention, logger: logger}, nil
}

// Store writes one database's Plan document under its plan index and
// prunes entries beyond the retention limit. Identical indexes overwrite.
func (a *Archive) Store(database string, planIndex uint64, doc *changeset.Document) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal changeset for archive: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	dbDir := filepath.Join(a.dir, database)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory %s: %w", dbDir, err)
	}

	name := filepath.Join(dbDir, entryName(planIndex))
	if err := os.WriteFile(name, compressed, 0644); err != nil {
		return fmt.Errorf("failed to write archive entry %s: %w", name, err)
	}

	if err := a.prune(dbDir); err != nil {
		a.logger.Warn("Failed to prune changeset archive",
			"database", database,
			"error", err.Error())
	}
	return nil
}

// Load reads one archived changeset back.
func (a *Archive) Load(database string, planIndex uint64) (*changeset.Document, error) {
	name := filepath.Join(a.dir, database, entryName(planIndex))
	compressed, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive entry %s: %w", name, err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive entry %s: %w", name, err)
	}
	return changeset.Parse(data)
}

// Indexes returns all archived plan indexes for a database, ascending.
func (a *Archive) Indexes(database string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(a.dir, database))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	indexes := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		idx, ok := entryIndex(entry.Name())
		if !ok {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// Drop removes a database's whole archive, e.g. after DropDatabase.
func (a *Archive) Drop(database string) error {
	return os.RemoveAll(filepath.Join(a.dir, database))
}

// prune deletes the oldest entries beyond the retention limit.
func (a *Archive) prune(dbDir string) error {
	entries, err := os.ReadDir(dbDir)
	if err != nil {
		return err
	}
	indexes := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		if idx, ok := entryIndex(entry.Name()); ok {
			indexes = append(indexes, idx)
		}
	}
	if len(indexes) <= a.retention {
		return nil
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes[:len(indexes)-a.retention] {
		if err := os.Remove(filepath.Join(dbDir, entryName(idx))); err != nil {
			return err
		}
	}
	return nil
}

func entryName(planIndex uint64) string {
	return fmt.Sprintf("%020d.json.sz", planIndex)
}

func entryIndex(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ".json.sz")
	if !ok {
		return 0, false
	}
	var idx uint64
	if _, err := fmt.Sscanf(base, "%d", &idx); err != nil {
		return 0, false
	}
	return idx, true
}
