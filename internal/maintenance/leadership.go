package maintenance

import "strings"

// Sentinel values a shard's theLeader field may carry while leadership is
// locally undetermined. Two distinct conditions, two distinct sentinels.
const (
	// LeaderNotYetKnown: this server resigned leadership and the successor
	// is not yet known.
	LeaderNotYetKnown = "LEADER_NOT_YET_KNOWN"
	// RebootedLeaderNotYetKnown: this server rebooted and has not yet
	// re-established what its leadership state was.
	RebootedLeaderNotYetKnown = "REBOOTED_LEADER_NOT_YET_KNOWN"
)

// PlanLeadership is what the agreed Plan says about a shard's leadership,
// from the perspective of one server.
type PlanLeadership int

const (
	PlanLeaderSelf PlanLeadership = iota
	PlanLeaderResignedSelf
	PlanLeaderOther
	PlanLeaderResignedOther
)

// LocalLeadership is what this server's Local state says about a shard's
// leadership.
type LocalLeadership int

const (
	LocalLeaderSelf LocalLeadership = iota
	LocalLeaderOther
	LocalLeaderResigned
	LocalLeaderRebooted
)

// PlanLeadershipFor derives the Plan leadership state for serverID from a
// shard's ordered server list. Index 0 is the intended leader; an
// underscore prefix marks a resigned leader.
func PlanLeadershipFor(servers []string, serverID string) PlanLeadership {
	if len(servers) == 0 {
		return PlanLeaderOther
	}
	leader := servers[0]
	resigned := strings.HasPrefix(leader, "_")
	name := strings.TrimPrefix(leader, "_")
	switch {
	case name == serverID && !resigned:
		return PlanLeaderSelf
	case name == serverID:
		return PlanLeaderResignedSelf
	case resigned:
		return PlanLeaderResignedOther
	default:
		return PlanLeaderOther
	}
}

// LocalLeadershipFor derives the Local leadership state from a shard's
// theLeader value.
func LocalLeadershipFor(theLeader string) LocalLeadership {
	switch theLeader {
	case "":
		return LocalLeaderSelf
	case LeaderNotYetKnown:
		return LocalLeaderResigned
	case RebootedLeaderNotYetKnown:
		return LocalLeaderRebooted
	default:
		return LocalLeaderOther
	}
}

// leadershipAction is the outcome of the leadership state machine for one
// shard.
type leadershipAction int

const (
	leadershipNone leadershipAction = iota
	leadershipTakeover
	leadershipResign
)

// resolveLeadership is the pure transition table: it depends only on the
// two leadership states of the current snapshot pair.
//
//	Plan \ Local    SELF      OTHER     RESIGNED  REBOOTED
//	SELF            none      takeover  takeover  takeover
//	RESIGNED_SELF   resign    resign    none      resign
//	OTHER           resign    none      none      resign
//	RESIGNED_OTHER  resign    none      none      resign
//
// The two (OTHER x RESIGNED) cells stay empty on purpose: the second
// maintenance phase (shard synchronization) is responsible for those.
// Losing leadership is always modeled as a resignation, never a takeover
// by the other side.
func resolveLeadership(plan PlanLeadership, local LocalLeadership) leadershipAction {
	switch plan {
	case PlanLeaderSelf:
		if local == LocalLeaderSelf {
			return leadershipNone
		}
		return leadershipTakeover
	case PlanLeaderResignedSelf:
		if local == LocalLeaderResigned {
			return leadershipNone
		}
		return leadershipResign
	default: // PlanLeaderOther, PlanLeaderResignedOther
		if local == LocalLeaderSelf || local == LocalLeaderRebooted {
			return leadershipResign
		}
		return leadershipNone
	}
}
