package algorithm

import (
	"sort"

	"github.com/devrev/pairdb/replication/internal/model"
)

// Reason explains why a replication server was or was not selected
type Reason string

const (
	ReasonBest                Reason = "best"
	ReasonDifferentGeneration Reason = "different_generation_id"
	ReasonDifferentGroup      Reason = "different_group_id"
	ReasonBehindLocal         Reason = "behind_local_changes"
	ReasonBehindOtherServer   Reason = "behind_other_server"
	ReasonLargerShift         Reason = "larger_shift"
	ReasonHigherServerID      Reason = "higher_server_id"
)

// Evaluation is the verdict on one candidate
type Evaluation struct {
	ServerID uint16             `json:"server_id"`
	URL      string             `json:"url,omitempty"`
	TheirCN  model.ChangeNumber `json:"their_cn"`
	Shift    uint64             `json:"shift"`
	Reason   Reason             `json:"reason"`
}

// ReplicationServerInfo is a candidate replication server and the state it reported
type ReplicationServerInfo struct {
	model.RSInfo
	State *model.ServerState
}

// Result is the outcome of ComputeBestReplicationServer
type Result struct {
	Best        ReplicationServerInfo `json:"best"`
	Found       bool                  `json:"found"`
	Evaluations []Evaluation          `json:"evaluations"`
}

func maxOrZero(state *model.ServerState, replicaID uint16) model.ChangeNumber {
	if state == nil {
		return model.ZeroChangeNumber
	}
	if cn := state.GetMaxChangeNumber(replicaID); cn != nil {
		return *cn
	}
	return model.ZeroChangeNumber
}

// shifts returns, per candidate, how far its state lags behind the newest
// watermark any candidate holds, summed over every replica in milliseconds.
func shifts(candidates map[uint16]*model.ServerState) map[uint16]uint64 {
	newest := make(map[uint16]uint64)
	for _, state := range candidates {
		if state == nil {
			continue
		}
		for _, rid := range state.ReplicaIDs() {
			if ts := state.GetMaxChangeNumber(rid).Timestamp; ts > newest[rid] {
				newest[rid] = ts
			}
		}
	}

	out := make(map[uint16]uint64, len(candidates))
	for id, state := range candidates {
		var shift uint64
		for rid, ts := range newest {
			shift += ts - maxOrZero(state, rid).Timestamp
		}
		out[id] = shift
	}
	return out
}

// Evaluate ranks candidates by the newest change of localReplicaID they
// have seen. Ties go to the smallest shift, then to the lowest server id.
// Evaluations are sorted by server id.
func Evaluate(localState *model.ServerState, candidates map[uint16]*model.ServerState, localReplicaID uint16) (uint16, bool, []Evaluation) {
	if len(candidates) == 0 {
		return 0, false, nil
	}

	ids := make([]uint16, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	myCN := maxOrZero(localState, localReplicaID)
	shift := shifts(candidates)

	evals := make([]Evaluation, len(ids))
	best := -1
	for i, id := range ids {
		evals[i] = Evaluation{
			ServerID: id,
			TheirCN:  maxOrZero(candidates[id], localReplicaID),
			Shift:    shift[id],
		}
		if best < 0 {
			best = i
			continue
		}
		switch c := evals[i].TheirCN.CompareTo(evals[best].TheirCN); {
		case c > 0:
			best = i
		case c == 0 && evals[i].Shift < evals[best].Shift:
			best = i
		}
	}

	winner := evals[best]
	for i := range evals {
		e := &evals[i]
		switch {
		case i == best:
			e.Reason = ReasonBest
		case e.TheirCN.Older(&myCN):
			e.Reason = ReasonBehindLocal
		case e.TheirCN.Older(&winner.TheirCN):
			e.Reason = ReasonBehindOtherServer
		case e.Shift > winner.Shift:
			e.Reason = ReasonLargerShift
		default:
			e.Reason = ReasonHigherServerID
		}
	}
	return winner.ServerID, true, evals
}

// SelectBestServer returns the candidate that has seen the most recent change
// made by localReplicaID. A stale candidate is still returned when it is the
// least behind; false only when there are no candidates.
func SelectBestServer(localState *model.ServerState, candidates map[uint16]*model.ServerState, localReplicaID uint16) (uint16, bool) {
	id, ok, _ := Evaluate(localState, candidates, localReplicaID)
	return id, ok
}

// ComputeBestReplicationServer narrows the candidates to those with the local
// generation id, then to those in the local group, keeping the wider set when
// no candidate matches, and selects among the rest. A negative generationID
// disables the generation filter.
func ComputeBestReplicationServer(localState *model.ServerState, candidates []ReplicationServerInfo,
	localReplicaID uint16, groupID uint8, generationID int64) Result {

	var result Result
	rejected := make(map[uint16]Reason)

	pool := candidates
	if generationID >= 0 {
		pool = keepMatching(pool, rejected, ReasonDifferentGeneration, func(c ReplicationServerInfo) bool {
			return c.GenerationID == generationID
		})
	}
	pool = keepMatching(pool, rejected, ReasonDifferentGroup, func(c ReplicationServerInfo) bool {
		return c.GroupID == groupID
	})

	states := make(map[uint16]*model.ServerState, len(pool))
	byID := make(map[uint16]ReplicationServerInfo, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	for _, c := range pool {
		states[c.ID] = c.State
	}

	bestID, found, evals := Evaluate(localState, states, localReplicaID)
	for _, c := range candidates {
		reason, ok := rejected[c.ID]
		if !ok {
			continue
		}
		evals = append(evals, Evaluation{
			ServerID: c.ID,
			TheirCN:  maxOrZero(c.State, localReplicaID),
			Reason:   reason,
		})
	}
	for i := range evals {
		evals[i].URL = byID[evals[i].ServerID].URL
	}
	sort.Slice(evals, func(i, j int) bool { return evals[i].ServerID < evals[j].ServerID })

	result.Evaluations = evals
	if found {
		result.Best = byID[bestID]
		result.Found = true
	}
	return result
}

func keepMatching(pool []ReplicationServerInfo, rejected map[uint16]Reason, reason Reason, match func(ReplicationServerInfo) bool) []ReplicationServerInfo {
	var kept []ReplicationServerInfo
	for _, c := range pool {
		if match(c) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return pool
	}
	for _, c := range pool {
		if !match(c) {
			rejected[c.ID] = reason
		}
	}
	return kept
}
