package model_test

import (
	"encoding/json"
	"sync"
	"testing"
	"testing/quick"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerState_Update(t *testing.T) {
	state := model.NewServerState()
	older := model.NewChangeNumber(5, 0, 1)
	newer := model.NewChangeNumber(6, 0, 1)

	assert.True(t, state.Update(older))
	assert.False(t, state.Update(older), "duplicate is a no-op")
	assert.True(t, state.Update(newer))
	assert.False(t, state.Update(older), "older never overwrites")
	assert.Equal(t, &newer, state.GetMaxChangeNumber(1))
	assert.Nil(t, state.GetMaxChangeNumber(2))
}

func TestServerState_MergeIsOrderIndependent(t *testing.T) {
	merge := func(t1, t2 uint64, s1, s2 uint32) bool {
		a := model.NewChangeNumber(t1, s1, 3)
		b := model.NewChangeNumber(t2, s2, 3)

		forward := model.NewServerState()
		forward.Update(a)
		forward.Update(b)

		backward := model.NewServerState()
		backward.Update(b)
		backward.Update(a)

		max := model.MaxChangeNumber(&a, &b)
		return *forward.GetMaxChangeNumber(3) == *max && *backward.GetMaxChangeNumber(3) == *max
	}
	require.NoError(t, quick.Check(merge, nil))
}

func TestServerState_Cover(t *testing.T) {
	state := model.NewServerState()
	state.Update(model.NewChangeNumber(10, 0, 1))

	assert.True(t, state.Cover(model.NewChangeNumber(9, 0, 1)))
	assert.True(t, state.Cover(model.NewChangeNumber(10, 0, 1)))
	assert.False(t, state.Cover(model.NewChangeNumber(11, 0, 1)))
	assert.False(t, state.Cover(model.NewChangeNumber(1, 0, 2)))
}

func TestServerState_EncodeDecode(t *testing.T) {
	state := model.NewServerState()
	state.Update(model.NewChangeNumber(10, 1, 2))
	state.Update(model.NewChangeNumber(20, 0, 1))

	tokens := state.Encode()
	require.Len(t, tokens, 2)
	assert.Equal(t, model.NewChangeNumber(20, 0, 1).String(), tokens[0])

	decoded, err := model.DecodeServerState(tokens)
	require.NoError(t, err)
	assert.Equal(t, state.String(), decoded.String())

	_, err = model.DecodeServerState([]string{"bogus"})
	assert.True(t, errors.IsDecodeError(err))
}

func TestServerState_JSON(t *testing.T) {
	state := model.NewServerState()
	state.Update(model.NewChangeNumber(10, 1, 2))

	data, err := json.Marshal(state)
	require.NoError(t, err)

	decoded := model.NewServerState()
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, state.Encode(), decoded.Encode())
}

func TestServerState_DuplicateIsIndependent(t *testing.T) {
	state := model.NewServerState()
	state.Update(model.NewChangeNumber(1, 0, 1))

	dup := state.Duplicate()
	dup.Update(model.NewChangeNumber(2, 0, 1))

	assert.Equal(t, uint64(1), state.GetMaxChangeNumber(1).Timestamp)
	assert.Equal(t, uint64(2), dup.GetMaxChangeNumber(1).Timestamp)
}

func TestServerState_ConcurrentUpdates(t *testing.T) {
	state := model.NewServerState()
	var wg sync.WaitGroup
	for r := uint16(1); r <= 4; r++ {
		wg.Add(1)
		go func(replica uint16) {
			defer wg.Done()
			for ts := uint64(1); ts <= 500; ts++ {
				state.Update(model.NewChangeNumber(ts, 0, replica))
			}
		}(r)
	}
	wg.Wait()

	assert.Equal(t, []uint16{1, 2, 3, 4}, state.ReplicaIDs())
	for r := uint16(1); r <= 4; r++ {
		assert.Equal(t, uint64(500), state.GetMaxChangeNumber(r).Timestamp)
	}
}
