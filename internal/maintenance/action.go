package maintenance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/keeldb/keel/internal/changeset"
)

// Action names produced by the diff engine. Exact spelling matters: the
// executor dispatches on these strings.
const (
	CreateDatabase          = "CreateDatabase"
	DropDatabase            = "DropDatabase"
	CreateCollection        = "CreateCollection"
	DropCollection          = "DropCollection"
	UpdateCollection        = "UpdateCollection"
	EnsureIndex             = "EnsureIndex"
	DropIndex               = "DropIndex"
	TakeoverShardLeadership = "TakeoverShardLeadership"
	ResignShardLeadership   = "ResignShardLeadership"
)

// Property keys used on ActionDescriptions.
const (
	PropName            = "name"
	PropDatabase        = "database"
	PropCollection      = "collection"
	PropShard           = "shard"
	PropLocalLeader     = "localLeader"
	PropPlanRaftIndex   = "planRaftIndex"
	PropFollowersToDrop = "followersToDrop"
	PropIndex           = "index"
	PropLeader          = "leader"
)

// Action priorities. Higher value runs earlier when the executor has a
// choice.
const (
	SlowOpPriority = iota
	NormalPriority
	HigherPriority
	LeaderPriority
)

// ErrKeyNotFound is returned by ActionDescription.Get for unknown keys.
var ErrKeyNotFound = fmt.Errorf("action property not found")

// ActionDescription is an immutable description of one corrective
// maintenance operation. Equality is by identity: two descriptions with
// identical properties are distinct actions.
type ActionDescription struct {
	id         string
	properties map[string]string
	priority   int
	// runNotLeader marks actions that must execute even when this server
	// is not the shard's leader (e.g. a leadership takeover).
	runNotLeader bool
	payload      *changeset.Document
}

// NewActionDescription builds a description from its string properties,
// which must include "name". The payload may be nil.
func NewActionDescription(properties map[string]string, priority int, runNotLeader bool, payload *changeset.Document) (*ActionDescription, error) {
	if properties[PropName] == "" {
		return nil, fmt.Errorf("action description requires a %q property", PropName)
	}
	props := make(map[string]string, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	return &ActionDescription{
		id:           uuid.NewString(),
		properties:   props,
		priority:     priority,
		runNotLeader: runNotLeader,
		payload:      payload,
	}, nil
}

// mustAction is the diff engine's internal constructor; property maps built
// there always carry a name.
func mustAction(properties map[string]string, priority int, runNotLeader bool, payload *changeset.Document) *ActionDescription {
	a, err := NewActionDescription(properties, priority, runNotLeader, payload)
	if err != nil {
		panic(err)
	}
	return a
}

// ID returns the unique id assigned at construction, used for registry and
// log correlation.
func (a *ActionDescription) ID() string {
	return a.id
}

// Name returns the action's "name" property.
func (a *ActionDescription) Name() string {
	return a.properties[PropName]
}

// Get returns the value for key or ErrKeyNotFound.
func (a *ActionDescription) Get(key string) (string, error) {
	v, ok := a.properties[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

// Lookup is the non-failing accessor: it returns the value and whether the
// key was present. Absent keys yield the empty string.
func (a *ActionDescription) Lookup(key string) (string, bool) {
	v, ok := a.properties[key]
	return v, ok
}

// Has reports whether the key is present.
func (a *ActionDescription) Has(key string) bool {
	_, ok := a.properties[key]
	return ok
}

// Priority returns the scheduling priority.
func (a *ActionDescription) Priority() int {
	return a.priority
}

// RunEvenIfNotLeader reports whether the action executes regardless of
// local leadership.
func (a *ActionDescription) RunEvenIfNotLeader() bool {
	return a.runNotLeader
}

// Properties returns the optional structured payload; nil when absent.
func (a *ActionDescription) Properties() *changeset.Document {
	return a.payload
}

// String renders the description for logs.
func (a *ActionDescription) String() string {
	keys := make([]string, 0, len(a.properties))
	for k := range a.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, a.properties[k]))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}
