package maintenance

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/logging"
)

// LogStatus describes the locally observed state of one replicated log.
type LogStatus struct {
	LogID string `json:"logId"`
	Role  string `json:"role"`
	Term  uint64 `json:"term"`
}

// LogStatusMap maps log id to its observed status within one database.
type LogStatusMap map[string]LogStatus

// DiffInput bundles the read-only snapshot inputs of one diff pass for one
// server. Nothing in here is mutated by the engine.
type DiffInput struct {
	// Plan maps database name to the serialized Plan subtree for that
	// database (sections: analyzers, collections, databases, views,
	// replicatedLogs, replicatedStates).
	Plan      map[string]*changeset.Document
	PlanIndex uint64

	// ReplicatedLogs is the Plan-side view of replicated logs per
	// database (log id set), with the revision it was read at.
	ReplicatedLogs map[string]map[string]struct{}
	LogIndex       uint64

	// Dirty is the set of databases to actually process this pass.
	Dirty map[string]struct{}

	// Local maps database name to this server's serialized Local subtree.
	Local    map[string]*changeset.Document
	ServerID string

	// Errors holds outstanding per-shard action failures; consulted to
	// avoid re-issuing an action class that keeps failing.
	Errors *Errors

	// ShardLocks is the current in-flight action registry. A locked shard
	// is inert this pass.
	ShardLocks *ActionRegistry

	// LogStatusByDatabase carries the observed replicated-log status per
	// database; ShardToLogID maps shard name to its backing log id for
	// log-replicated shards, whose leadership is driven by the log rather
	// than by this engine.
	LogStatusByDatabase map[string]LogStatusMap
	ShardToLogID        map[string]map[string]string
}

// DiffResult accumulates the outputs of diff passes. Actions is append-only:
// repeated calls keep extending it.
type DiffResult struct {
	Actions []*ActionDescription

	// MakeDirty collects databases that must be re-marked dirty on a later
	// pass, e.g. because a locked shard could not be evaluated.
	MakeDirty map[string]struct{}

	// CallNotify is set when any generated action requires an out-of-band
	// notification to the consensus layer.
	CallNotify bool
}

// NewDiffResult creates an empty result accumulator.
func NewDiffResult() *DiffResult {
	return &DiffResult{MakeDirty: make(map[string]struct{})}
}

// Differ computes the corrective actions that converge one server's Local
// state toward the Plan. A Differ is stateless between calls and safe for
// concurrent use with distinct result accumulators.
type Differ struct {
	engine StorageEngine
	logger *logging.Logger
}

// NewDiffer creates a diff engine bound to a storage engine capability.
func NewDiffer(engine StorageEngine, logger *logging.Logger) *Differ {
	return &Differ{engine: engine, logger: logger}
}

// DiffPlanLocal runs one synchronous diff pass over all dirty databases.
// It appends zero or more actions to out.Actions. A structurally broken
// database document fails that database only; remaining databases are
// still processed and the per-database failures are joined into the
// returned error.
func (d *Differ) DiffPlanLocal(in *DiffInput, out *DiffResult) error {
	if out.MakeDirty == nil {
		out.MakeDirty = make(map[string]struct{})
	}

	var dbErrs []error
	for _, db := range sortedSet(in.Dirty) {
		if err := d.diffDatabase(in, out, db); err != nil {
			dbErrs = append(dbErrs, fmt.Errorf("database %s: %w", db, err))
		}
	}
	return errors.Join(dbErrs...)
}

func (d *Differ) diffDatabase(in *DiffInput, out *DiffResult, db string) error {
	planDoc := in.Plan[db]
	localDoc, hasLocal := in.Local[db]
	planned := changeset.PlanHasDatabase(planDoc, db)

	// Database existence changes must land before any collection-level
	// work, so they short-circuit the pass for this database.
	switch {
	case planned && !hasLocal:
		d.emit(out, mustAction(map[string]string{
			PropName:     CreateDatabase,
			PropDatabase: db,
		}, HigherPriority, true, databasePayload(planDoc, db)))
		return nil
	case !planned && hasLocal:
		d.emit(out, mustAction(map[string]string{
			PropName:     DropDatabase,
			PropDatabase: db,
		}, HigherPriority, true, nil))
		return nil
	case !planned && !hasLocal:
		return nil
	}

	planCols, err := changeset.PlanCollections(planDoc)
	if err != nil {
		return err
	}
	localShards, err := changeset.LocalShards(localDoc)
	if err != nil {
		return err
	}

	// Shards of this server according to Plan; everything local outside
	// this set gets dropped in the sweep below.
	assigned := make(map[string]struct{})

	for _, colID := range sortedKeys(planCols) {
		col := planCols[colID]
		for _, shard := range col.ShardNames() {
			servers := col.Shards[shard]
			if !serverInList(servers, in.ServerID) {
				continue
			}
			assigned[shard] = struct{}{}

			if shardLocked(in, shard) {
				// Inert until the lock clears; ask to be looked at again.
				out.MakeDirty[db] = struct{}{}
				continue
			}

			local, exists := localShards[shard]
			if !exists {
				d.planShardMissing(in, out, db, col, shard, servers)
				continue
			}
			d.diffShard(in, out, db, col, shard, servers, local)
		}
	}

	d.checkReplicatedLogs(in, out, db, planDoc)

	// Local shards no longer assigned to this server: collection deleted,
	// or this server was removed from the shard's server list.
	for _, shard := range sortedKeys(localShards) {
		if _, ok := assigned[shard]; ok {
			continue
		}
		if shardLocked(in, shard) {
			out.MakeDirty[db] = struct{}{}
			continue
		}
		local := localShards[shard]
		if d.suppressedByError(in, shard, DropCollection) {
			continue
		}
		d.emit(out, mustAction(map[string]string{
			PropName:       DropCollection,
			PropDatabase:   db,
			PropCollection: local.PlanID,
			PropShard:      shard,
		}, NormalPriority, true, nil))
	}
	return nil
}

// planShardMissing handles a shard planned for this server that does not
// exist locally.
func (d *Differ) planShardMissing(in *DiffInput, out *DiffResult, db string, col changeset.PlanCollection, shard string, servers []string) {
	if d.suppressedByError(in, shard, CreateCollection) {
		return
	}
	leader := strings.TrimPrefix(servers[0], "_")
	if leader == in.ServerID {
		leader = ""
	}
	d.emit(out, mustAction(map[string]string{
		PropName:       CreateCollection,
		PropDatabase:   db,
		PropCollection: col.ID,
		PropShard:      shard,
		PropLeader:     leader,
	}, NormalPriority, true, changeset.FromMap(col.Props())))
}

// diffShard reconciles one shard present in both Plan and Local. At most
// one action is emitted per shard per pass, except that several index
// drift items may each produce an action; leadership takes precedence over
// property and index drift.
func (d *Differ) diffShard(in *DiffInput, out *DiffResult, db string, col changeset.PlanCollection, shard string, servers []string, local changeset.LocalShard) {
	planLead := PlanLeadershipFor(servers, in.ServerID)
	localLead := LocalLeadershipFor(local.TheLeader)

	// Leadership of log-replicated shards follows the log's term, not
	// this engine; only plain shards resolve the leadership table here.
	if logID, backed := shardLogID(in, db, shard); backed {
		d.logger.Debug("Shard leadership managed by replicated log",
			"database", db, "shard", shard, "log", logID)
	} else {
		switch resolveLeadership(planLead, localLead) {
		case leadershipTakeover:
			if d.suppressedByError(in, shard, TakeoverShardLeadership) {
				return
			}
			d.emit(out, mustAction(map[string]string{
				PropName:          TakeoverShardLeadership,
				PropDatabase:      db,
				PropCollection:    col.ID,
				PropShard:         shard,
				PropLocalLeader:   local.TheLeader,
				PropPlanRaftIndex: strconv.FormatUint(in.PlanIndex, 10),
			}, LeaderPriority, true, nil))
			return
		case leadershipResign:
			if d.suppressedByError(in, shard, ResignShardLeadership) {
				return
			}
			d.emit(out, mustAction(map[string]string{
				PropName:     ResignShardLeadership,
				PropDatabase: db,
				PropShard:    shard,
			}, LeaderPriority, true, nil))
			return
		}
	}

	// Acting leader drops followers that Plan removed from the shard's
	// server list. The removed follower itself sees a DropCollection via
	// the sweep; the leader only updates its follower bookkeeping.
	if planLead == PlanLeaderSelf && localLead == LocalLeaderSelf {
		if toDrop := removedFollowers(local.Servers, servers, in.ServerID); len(toDrop) > 0 {
			if d.suppressedByError(in, shard, UpdateCollection) {
				return
			}
			d.emit(out, mustAction(map[string]string{
				PropName:            UpdateCollection,
				PropDatabase:        db,
				PropCollection:      col.ID,
				PropShard:           shard,
				PropFollowersToDrop: strings.Join(toDrop, ","),
			}, NormalPriority, false, nil))
			return
		}
	}

	// Property drift: the payload carries exactly the changed fields,
	// never the unchanged ones.
	if changed := changedProperties(col, local); len(changed) > 0 {
		if d.suppressedByError(in, shard, UpdateCollection) {
			return
		}
		d.emit(out, mustAction(map[string]string{
			PropName:       UpdateCollection,
			PropDatabase:   db,
			PropCollection: col.ID,
			PropShard:      shard,
		}, NormalPriority, false, changeset.FromMap(changed)))
		return
	}

	d.diffIndexes(in, out, db, col, shard, local)
}

func (d *Differ) diffIndexes(in *DiffInput, out *DiffResult, db string, col changeset.PlanCollection, shard string, local changeset.LocalShard) {
	localByID := make(map[string]changeset.IndexSpec, len(local.Indexes))
	for _, idx := range local.Indexes {
		localByID[idx.ID] = idx
	}
	planByID := make(map[string]changeset.IndexSpec, len(col.Indexes))

	for _, idx := range col.Indexes {
		planByID[idx.ID] = idx
		if idx.IsPrimary() {
			continue
		}
		if _, ok := localByID[idx.ID]; ok {
			continue
		}
		if !d.engine.SupportsIndexType(idx.Type) {
			d.logger.Warn("Skipping index with unsupported type",
				"database", db, "shard", shard, "index", idx.ID, "type", idx.Type)
			continue
		}
		if d.suppressedByError(in, shard, EnsureIndex) {
			continue
		}
		d.emit(out, mustAction(map[string]string{
			PropName:       EnsureIndex,
			PropDatabase:   db,
			PropCollection: col.ID,
			PropShard:      shard,
			PropIndex:      idx.ID,
		}, SlowOpPriority, false, changeset.FromMap(idx.Def)))
	}

	for _, idx := range local.Indexes {
		if idx.IsPrimary() {
			continue
		}
		if _, ok := planByID[idx.ID]; ok {
			continue
		}
		if d.suppressedByError(in, shard, DropIndex) {
			continue
		}
		d.emit(out, mustAction(map[string]string{
			PropName:       DropIndex,
			PropDatabase:   db,
			PropCollection: col.ID,
			PropShard:      shard,
			PropIndex:      idx.ID,
		}, SlowOpPriority, false, nil))
	}
}

// checkReplicatedLogs re-marks a database dirty when Plan carries
// replicated logs whose local status has not been observed yet. The log
// transitions themselves are handled by the replication subsystem; the
// diff engine only makes sure the database is looked at again.
func (d *Differ) checkReplicatedLogs(in *DiffInput, out *DiffResult, db string, planDoc *changeset.Document) {
	planned := in.ReplicatedLogs[db]
	if planned == nil {
		if logs, ok := planDoc.Object(changeset.SectionReplicatedLogs); ok {
			planned = make(map[string]struct{}, len(logs))
			for logID := range logs {
				planned[logID] = struct{}{}
			}
		}
	}
	if len(planned) == 0 {
		return
	}
	status := in.LogStatusByDatabase[db]
	for logID := range planned {
		if _, seen := status[logID]; !seen {
			out.MakeDirty[db] = struct{}{}
			return
		}
	}
}

// shardLogID reports the replicated log backing a shard, if any.
func shardLogID(in *DiffInput, db, shard string) (string, bool) {
	logID, ok := in.ShardToLogID[db][shard]
	return logID, ok && logID != ""
}

func (d *Differ) suppressedByError(in *DiffInput, shard, action string) bool {
	if in.Errors == nil {
		return false
	}
	entry, ok := in.Errors.Lookup(shard)
	if !ok || entry.Action != action {
		return false
	}
	d.logger.Debug("Suppressing action for shard with outstanding error",
		"shard", shard, "action", action, "failures", entry.Count)
	return true
}

func (d *Differ) emit(out *DiffResult, action *ActionDescription) {
	out.Actions = append(out.Actions, action)
	switch action.Name() {
	case CreateDatabase, DropDatabase, CreateCollection, DropCollection,
		TakeoverShardLeadership, ResignShardLeadership:
		out.CallNotify = true
	}
	d.logger.Debug("Scheduling maintenance action",
		"action", action.Name(), "id", action.ID(), "detail", action.String())
}

// changedProperties compares the mutable collection properties and returns
// only the fields whose Plan value differs from Local.
func changedProperties(col changeset.PlanCollection, local changeset.LocalShard) map[string]interface{} {
	changed := make(map[string]interface{})
	for _, prop := range changeset.ComparableProperties {
		planVal, ok := col.Property(prop)
		if !ok {
			continue
		}
		localVal, _ := local.Property(prop)
		if !changeset.Equal(planVal, localVal) {
			changed[prop] = planVal
		}
	}
	return changed
}

// removedFollowers returns the servers the leader still tracks locally but
// which Plan no longer lists for the shard.
func removedFollowers(localServers, planServers []string, self string) []string {
	if len(localServers) == 0 {
		return nil
	}
	planned := make(map[string]struct{}, len(planServers))
	for _, s := range planServers {
		planned[strings.TrimPrefix(s, "_")] = struct{}{}
	}
	var out []string
	for _, s := range localServers {
		if s == self {
			continue
		}
		if _, ok := planned[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func shardLocked(in *DiffInput, shard string) bool {
	if in.ShardLocks == nil {
		return false
	}
	_, locked := in.ShardLocks.InFlight(shard)
	return locked
}

// serverInList reports whether serverID appears in the shard's server
// list, counting a resigned leader entry as membership.
func serverInList(servers []string, serverID string) bool {
	for _, s := range servers {
		if strings.TrimPrefix(s, "_") == serverID {
			return true
		}
	}
	return false
}

func databasePayload(planDoc *changeset.Document, db string) *changeset.Document {
	if obj, ok := planDoc.Object(changeset.SectionDatabases, db); ok {
		return changeset.FromMap(obj)
	}
	return nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
