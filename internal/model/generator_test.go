package model_test

import (
	"testing"

	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestChangeNumberGenerator_StrictlyIncreasing(t *testing.T) {
	now := uint64(100)
	gen := model.NewChangeNumberGenerator(1, nil, model.ClockFunc(func() uint64 { return now }))

	first := gen.Generate()
	second := gen.Generate()
	assert.Equal(t, model.NewChangeNumber(100, 0, 1), first)
	assert.Equal(t, model.NewChangeNumber(100, 1, 1), second)

	now = 50 // clock went backward
	third := gen.Generate()
	assert.True(t, third.Newer(&second))

	now = 200
	fourth := gen.Generate()
	assert.Equal(t, model.NewChangeNumber(200, 0, 1), fourth)
}

func TestChangeNumberGenerator_SeededFromState(t *testing.T) {
	state := model.NewServerState()
	persisted := model.NewChangeNumber(1000, 4, 7)
	state.Update(persisted)

	gen := model.NewChangeNumberGenerator(7, state, model.ClockFunc(func() uint64 { return 10 }))
	next := gen.Generate()
	assert.True(t, next.Newer(&persisted))
}

func TestChangeNumberGenerator_Adjust(t *testing.T) {
	gen := model.NewChangeNumberGenerator(1, nil, model.ClockFunc(func() uint64 { return 10 }))
	remote := model.NewChangeNumber(500, 3, 2)
	gen.Adjust(remote)

	next := gen.Generate()
	assert.True(t, next.Newer(&remote))
	assert.Equal(t, uint16(1), next.ReplicaID)
}
