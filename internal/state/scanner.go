package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/logging"
)

// metaFile is the per-shard metadata document within a shard directory.
const metaFile = "meta.json"

// Scanner seeds a Store from the on-disk data directory layout
// {dataDir}/{database}/{shard}/meta.json.
type Scanner struct {
	dataDir string
	logger  *logging.Logger
}

// NewScanner creates a scanner for the given data directory.
func NewScanner(dataDir string, logger *logging.Logger) *Scanner {
	return &Scanner{dataDir: dataDir, logger: logger}
}

// Scan discovers local shards and loads them into the store. Returns the
// number of shards loaded. A missing data directory is created and yields
// an empty state.
func (s *Scanner) Scan(store *Store) (int, error) {
	if _, err := os.Stat(s.dataDir); os.IsNotExist(err) {
		s.logger.Info("Data directory does not exist, creating", "data_dir", s.dataDir)
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create data directory: %w", err)
		}
		return 0, nil
	}

	dbEntries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read data directory: %w", err)
	}

	count := 0
	for _, dbEntry := range dbEntries {
		if !dbEntry.IsDir() {
			continue
		}
		db := dbEntry.Name()
		store.EnsureDatabase(db)

		shardEntries, err := os.ReadDir(filepath.Join(s.dataDir, db))
		if err != nil {
			s.logger.Warn("Failed to read database directory", "database", db, "error", err)
			continue
		}
		for _, shardEntry := range shardEntries {
			if !shardEntry.IsDir() {
				continue
			}
			shard := shardEntry.Name()
			doc, err := s.loadShardMeta(db, shard)
			if err != nil {
				s.logger.Warn("Skipping shard with unreadable metadata",
					"database", db, "shard", shard, "error", err)
				continue
			}
			store.PutShard(db, shard, doc)
			count++
			s.logger.Debug("Discovered shard", "database", db, "shard", shard)
		}
	}

	s.logger.Info("Local state scan completed", "shards", count)
	return count, nil
}

func (s *Scanner) loadShardMeta(db, shard string) (map[string]interface{}, error) {
	path := filepath.Join(s.dataDir, db, shard, metaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metaFile, err)
	}
	doc, err := changeset.Parse(data)
	if err != nil {
		return nil, err
	}
	obj, ok := doc.Object()
	if !ok {
		return nil, fmt.Errorf("%s is not an object", metaFile)
	}
	return obj, nil
}
