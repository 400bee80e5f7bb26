package algorithm_test

import (
	"fmt"
	"testing"
	"testing/quick"

	"github.com/devrev/pairdb/replication/internal/algorithm"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localID uint16 = 1

// state builds a ServerState from replica id -> timestamp
func state(timestamps map[uint16]uint64) *model.ServerState {
	s := model.NewServerState()
	for rid, ts := range timestamps {
		s.Update(model.NewChangeNumber(ts, 0, rid))
	}
	return s
}

func rs(id uint16, group uint8, generation int64, st *model.ServerState) algorithm.ReplicationServerInfo {
	return algorithm.ReplicationServerInfo{
		RSInfo: model.RSInfo{ID: id, GroupID: group, GenerationID: generation, URL: fmt.Sprintf("rs%d:8989", id)},
		State:  st,
	}
}

func reasons(evals []algorithm.Evaluation) map[uint16]algorithm.Reason {
	out := make(map[uint16]algorithm.Reason, len(evals))
	for _, e := range evals {
		out[e.ServerID] = e.Reason
	}
	return out
}

func TestSelectBestServer(t *testing.T) {
	tests := []struct {
		name       string
		local      *model.ServerState
		candidates map[uint16]*model.ServerState
		want       uint16
		reasons    map[uint16]algorithm.Reason
	}{
		{
			name:  "most up to date wins",
			local: state(map[uint16]uint64{1: 5}),
			candidates: map[uint16]*model.ServerState{
				10: state(map[uint16]uint64{1: 4}),
				11: state(map[uint16]uint64{1: 6}),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				10: algorithm.ReasonBehindLocal,
				11: algorithm.ReasonBest,
			},
		},
		{
			name:  "stale servers still selectable",
			local: state(map[uint16]uint64{1: 10}),
			candidates: map[uint16]*model.ServerState{
				10: state(map[uint16]uint64{1: 4}),
				11: state(map[uint16]uint64{1: 6}),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				10: algorithm.ReasonBehindLocal,
				11: algorithm.ReasonBest,
			},
		},
		{
			name:  "up to date but another server is ahead",
			local: state(map[uint16]uint64{1: 1}),
			candidates: map[uint16]*model.ServerState{
				10: state(map[uint16]uint64{1: 1}),
				11: state(map[uint16]uint64{1: 2}),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				10: algorithm.ReasonBehindOtherServer,
				11: algorithm.ReasonBest,
			},
		},
		{
			name:  "tie broken by smaller shift",
			local: state(map[uint16]uint64{1: 5}),
			candidates: map[uint16]*model.ServerState{
				10: state(map[uint16]uint64{1: 5, 2: 10}),
				11: state(map[uint16]uint64{1: 5, 2: 20}),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				10: algorithm.ReasonLargerShift,
				11: algorithm.ReasonBest,
			},
		},
		{
			name:  "full tie broken by lowest id",
			local: state(map[uint16]uint64{1: 3}),
			candidates: map[uint16]*model.ServerState{
				13: state(map[uint16]uint64{1: 3}),
				12: state(map[uint16]uint64{1: 3}),
			},
			want: 12,
			reasons: map[uint16]algorithm.Reason{
				12: algorithm.ReasonBest,
				13: algorithm.ReasonHigherServerID,
			},
		},
		{
			name:  "nothing known anywhere",
			local: model.NewServerState(),
			candidates: map[uint16]*model.ServerState{
				12: model.NewServerState(),
				11: nil,
			},
			want: 11,
		},
		{
			name:  "nil local state",
			local: nil,
			candidates: map[uint16]*model.ServerState{
				11: model.NewServerState(),
				12: state(map[uint16]uint64{1: 1}),
			},
			want: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok, evals := algorithm.Evaluate(tt.local, tt.candidates, localID)
			require.True(t, ok)
			assert.Equal(t, tt.want, id)
			assert.Len(t, evals, len(tt.candidates))
			if tt.reasons != nil {
				assert.Equal(t, tt.reasons, reasons(evals))
			}

			again, _ := algorithm.SelectBestServer(tt.local, tt.candidates, localID)
			assert.Equal(t, id, again)
		})
	}
}

func TestSelectBestServer_NoCandidates(t *testing.T) {
	_, ok := algorithm.SelectBestServer(state(map[uint16]uint64{1: 5}), nil, localID)
	assert.False(t, ok)

	_, ok = algorithm.SelectBestServer(nil, map[uint16]*model.ServerState{}, localID)
	assert.False(t, ok)
}

func TestSelectBestServer_Shift(t *testing.T) {
	candidates := map[uint16]*model.ServerState{
		10: state(map[uint16]uint64{1: 5, 2: 10, 3: 7}),
		11: state(map[uint16]uint64{1: 5, 2: 20}),
	}
	_, _, evals := algorithm.Evaluate(nil, candidates, localID)
	require.Len(t, evals, 2)

	assert.Equal(t, uint64(10), evals[0].Shift)
	assert.Equal(t, uint64(7), evals[1].Shift)
	assert.Equal(t, uint16(11), evals[1].ServerID)
}

func TestSelectBestServer_WinnerIsMostUpToDate(t *testing.T) {
	property := func(a, b, c uint32, local uint32) bool {
		candidates := map[uint16]*model.ServerState{
			20: state(map[uint16]uint64{1: uint64(a)}),
			21: state(map[uint16]uint64{1: uint64(b)}),
			22: state(map[uint16]uint64{1: uint64(c)}),
		}
		best, ok := algorithm.SelectBestServer(state(map[uint16]uint64{1: uint64(local)}), candidates, localID)
		if !ok {
			return false
		}
		winner := candidates[best].GetMaxChangeNumber(localID)
		for _, st := range candidates {
			if st.GetMaxChangeNumber(localID).Newer(winner) {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(property, nil))
}

func TestComputeBestReplicationServer(t *testing.T) {
	const localGroup uint8 = 1

	tests := []struct {
		name       string
		local      *model.ServerState
		generation int64
		candidates []algorithm.ReplicationServerInfo
		want       uint16
		reasons    map[uint16]algorithm.Reason
	}{
		{
			name:       "null change numbers on both sides",
			local:      model.NewServerState(),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{rs(11, localGroup, 0, model.NewServerState())},
			want:       11,
		},
		{
			name:       "null change number on server",
			local:      state(map[uint16]uint64{1: 0}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{rs(11, localGroup, 0, model.NewServerState())},
			want:       11,
		},
		{
			name:       "single server up",
			local:      state(map[uint16]uint64{1: 1}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{rs(11, localGroup, 0, state(map[uint16]uint64{1: 1, 2: 1}))},
			want:       11,
		},
		{
			name:       "different group loses against better server",
			local:      state(map[uint16]uint64{1: 1}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 1})),
				rs(12, 2, 0, state(map[uint16]uint64{1: 2})),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				11: algorithm.ReasonBest,
				12: algorithm.ReasonDifferentGroup,
			},
		},
		{
			name:       "no server in our group",
			local:      state(map[uint16]uint64{1: 1}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, 2, 0, state(map[uint16]uint64{1: 1})),
				rs(12, 2, 0, state(map[uint16]uint64{1: 2})),
			},
			want: 12,
			reasons: map[uint16]algorithm.Reason{
				11: algorithm.ReasonBehindOtherServer,
				12: algorithm.ReasonBest,
			},
		},
		{
			name:       "three servers up",
			local:      state(map[uint16]uint64{1: 1}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 1})),
				rs(12, localGroup, 0, state(map[uint16]uint64{1: 3})),
				rs(13, localGroup, 0, state(map[uint16]uint64{1: 2})),
			},
			want: 12,
		},
		{
			name:       "three servers in different groups",
			local:      state(map[uint16]uint64{1: 1}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 1})),
				rs(12, 2, 0, state(map[uint16]uint64{1: 4})),
				rs(13, localGroup, 0, state(map[uint16]uint64{1: 2})),
			},
			want: 13,
			reasons: map[uint16]algorithm.Reason{
				11: algorithm.ReasonBehindOtherServer,
				12: algorithm.ReasonDifferentGroup,
				13: algorithm.ReasonBest,
			},
		},
		{
			name:       "only server is late",
			local:      state(map[uint16]uint64{1: 2}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{rs(11, localGroup, 0, state(map[uint16]uint64{1: 1}))},
			want:       11,
		},
		{
			name:       "all servers behind the local changes",
			local:      state(map[uint16]uint64{1: 4}),
			generation: 0,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 4})),
				rs(12, localGroup, 0, state(map[uint16]uint64{1: 3})),
				rs(13, localGroup, 0, state(map[uint16]uint64{1: 3})),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				11: algorithm.ReasonBest,
				12: algorithm.ReasonBehindLocal,
				13: algorithm.ReasonBehindLocal,
			},
		},
		{
			name:       "ahead of the local changes",
			local:      state(map[uint16]uint64{1: 4}),
			generation: 0,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 5})),
				rs(12, localGroup, 0, state(map[uint16]uint64{1: 4})),
				rs(13, localGroup, 0, state(map[uint16]uint64{1: 4})),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				11: algorithm.ReasonBest,
				12: algorithm.ReasonBehindOtherServer,
				13: algorithm.ReasonBehindOtherServer,
			},
		},
		{
			name:       "group beats freshness",
			local:      state(map[uint16]uint64{1: 4}),
			generation: 0,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 1})),
				rs(12, 2, 0, state(map[uint16]uint64{1: 4})),
				rs(13, 3, 0, state(map[uint16]uint64{1: 4})),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				11: algorithm.ReasonBest,
				12: algorithm.ReasonDifferentGroup,
				13: algorithm.ReasonDifferentGroup,
			},
		},
		{
			name:       "generation beats freshness",
			local:      state(map[uint16]uint64{1: 4}),
			generation: 0,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 1})),
				rs(12, localGroup, 1, state(map[uint16]uint64{1: 4})),
				rs(13, localGroup, 2, state(map[uint16]uint64{1: 4})),
			},
			want: 11,
			reasons: map[uint16]algorithm.Reason{
				11: algorithm.ReasonBest,
				12: algorithm.ReasonDifferentGeneration,
				13: algorithm.ReasonDifferentGeneration,
			},
		},
		{
			name:       "generation filter disabled",
			local:      state(map[uint16]uint64{1: 4}),
			generation: -1,
			candidates: []algorithm.ReplicationServerInfo{
				rs(11, localGroup, 0, state(map[uint16]uint64{1: 1})),
				rs(12, localGroup, 1, state(map[uint16]uint64{1: 4})),
			},
			want: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := algorithm.ComputeBestReplicationServer(tt.local, tt.candidates, localID, localGroup, tt.generation)
			require.True(t, result.Found)
			assert.Equal(t, tt.want, result.Best.ID)
			assert.NotEmpty(t, result.Best.URL)
			require.Len(t, result.Evaluations, len(tt.candidates))
			for i := 1; i < len(result.Evaluations); i++ {
				assert.Less(t, result.Evaluations[i-1].ServerID, result.Evaluations[i].ServerID)
			}
			if tt.reasons != nil {
				assert.Equal(t, tt.reasons, reasons(result.Evaluations))
			}
		})
	}
}

func TestComputeBestReplicationServer_Empty(t *testing.T) {
	result := algorithm.ComputeBestReplicationServer(model.NewServerState(), nil, localID, 1, -1)
	assert.False(t, result.Found)
	assert.Empty(t, result.Evaluations)
}
