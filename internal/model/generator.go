package model

import (
	"sync"
	"time"
)

// Clock supplies wall clock milliseconds
type Clock interface {
	NowMillis() uint64
}

// SystemClock reads the process clock
type SystemClock struct{}

// NowMillis implements Clock
func (SystemClock) NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// ClockFunc adapts a function to Clock
type ClockFunc func() uint64

// NowMillis implements Clock
func (f ClockFunc) NowMillis() uint64 {
	return f()
}

// ChangeNumberGenerator hands out strictly increasing change numbers for one replica.
type ChangeNumberGenerator struct {
	mu        sync.Mutex
	replicaID uint16
	clock     Clock
	lastTime  uint64
	seq       uint32
}

// NewChangeNumberGenerator creates a generator seeded from a persisted state so
// numbers never go backward across restarts. seed may be nil.
func NewChangeNumberGenerator(replicaID uint16, seed *ServerState, clock Clock) *ChangeNumberGenerator {
	if clock == nil {
		clock = SystemClock{}
	}
	g := &ChangeNumberGenerator{replicaID: replicaID, clock: clock}
	if seed != nil {
		if max := seed.GetMaxChangeNumber(replicaID); max != nil {
			g.lastTime = max.Timestamp
			g.seq = max.Seq
		}
	}
	return g
}

// ReplicaID returns the replica this generator works for
func (g *ChangeNumberGenerator) ReplicaID() uint16 {
	return g.replicaID
}

// Generate returns a change number newer than every previously generated or adjusted one.
func (g *ChangeNumberGenerator) Generate() ChangeNumber {
	now := g.clock.NowMillis()

	g.mu.Lock()
	defer g.mu.Unlock()

	if now > g.lastTime {
		g.lastTime = now
		g.seq = 0
	} else {
		g.seq++
		if g.seq == 0 {
			// sequence wrapped
			g.lastTime++
		}
	}
	return ChangeNumber{Timestamp: g.lastTime, Seq: g.seq, ReplicaID: g.replicaID}
}

// Adjust moves the generator past cn, so changes generated after a replayed
// remote change sort after it.
func (g *ChangeNumberGenerator) Adjust(cn ChangeNumber) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case cn.Timestamp > g.lastTime:
		g.lastTime = cn.Timestamp
		g.seq = cn.Seq
	case cn.Timestamp == g.lastTime && cn.Seq > g.seq:
		g.seq = cn.Seq
	}
}

// AdjustState adjusts the generator with every change number of state.
func (g *ChangeNumberGenerator) AdjustState(state *ServerState) {
	for _, id := range state.ReplicaIDs() {
		if cn := state.GetMaxChangeNumber(id); cn != nil {
			g.Adjust(*cn)
		}
	}
}
