package agency

import (
	"context"

	"github.com/keeldb/keel/internal/changeset"
)

// Snapshot is one consistent read of the cluster Plan: the per-database
// changeset documents plus the store index they were read at.
type Snapshot struct {
	Databases map[string]*changeset.Document
	Index     uint64
}

// PlanSource reads the cluster Plan. The reconciler only depends on this
// interface so tests can substitute a fixture source.
type PlanSource interface {
	// Fetch returns the current Plan snapshot.
	Fetch(ctx context.Context) (*Snapshot, error)

	// Watch invokes onChange with a database name whenever that database's
	// Plan document changes. It blocks until ctx is cancelled.
	Watch(ctx context.Context, onChange func(database string)) error
}
