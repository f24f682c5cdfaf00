package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/logging"
)

// Store holds this node's observed Local state: database name -> shard
// name -> shard document. The diff engine never reads the live maps; it
// works on frozen changesets exported by Changesets.
type Store struct {
	mu     sync.RWMutex
	dbs    map[string]map[string]map[string]interface{}
	logger *logging.Logger
}

// NewStore creates an empty local state store.
func NewStore(logger *logging.Logger) *Store {
	return &Store{
		dbs:    make(map[string]map[string]map[string]interface{}),
		logger: logger,
	}
}

// EnsureDatabase creates an empty database entry if missing.
func (s *Store) EnsureDatabase(db string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[db]; !ok {
		s.dbs[db] = make(map[string]map[string]interface{})
	}
}

// DropDatabase removes a database and all its shards.
func (s *Store) DropDatabase(db string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dbs, db)
}

// HasDatabase reports whether the database exists locally.
func (s *Store) HasDatabase(db string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dbs[db]
	return ok
}

// Databases returns the sorted list of local database names.
func (s *Store) Databases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dbs))
	for db := range s.dbs {
		out = append(out, db)
	}
	sort.Strings(out)
	return out
}

// PutShard stores a shard document, creating the database if needed. The
// document is deep-copied on the way in.
func (s *Store) PutShard(db, shard string, doc map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[db]; !ok {
		s.dbs[db] = make(map[string]map[string]interface{})
	}
	s.dbs[db][shard] = cloneShardDoc(doc)
}

// DropShard removes one shard.
func (s *Store) DropShard(db, shard string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if shards, ok := s.dbs[db]; ok {
		delete(shards, shard)
	}
}

// Shard returns a frozen copy of one shard document.
func (s *Store) Shard(db, shard string) (*changeset.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.dbs[db][shard]
	if !ok {
		return nil, false
	}
	return changeset.FromMap(doc), true
}

// UpdateShard mutates one shard document under the store lock.
func (s *Store) UpdateShard(db, shard string, fn func(doc map[string]interface{})) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.dbs[db][shard]
	if !ok {
		return fmt.Errorf("shard %s/%s not found", db, shard)
	}
	fn(doc)
	return nil
}

// Changesets exports a frozen per-database snapshot of the whole local
// state, suitable as diff input.
func (s *Store) Changesets() map[string]*changeset.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*changeset.Document, len(s.dbs))
	for db, shards := range s.dbs {
		m := make(map[string]interface{}, len(shards))
		for shard, doc := range shards {
			m[shard] = doc
		}
		out[db] = changeset.FromMap(m)
	}
	return out
}

// ShardCount returns the total number of shards across all databases.
func (s *Store) ShardCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, shards := range s.dbs {
		n += len(shards)
	}
	return n
}

func cloneShardDoc(doc map[string]interface{}) map[string]interface{} {
	frozen := changeset.FromMap(doc)
	obj, _ := frozen.Object()
	if obj == nil {
		return make(map[string]interface{})
	}
	return obj
}
