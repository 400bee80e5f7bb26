package model

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/devrev/pairdb/replication/internal/errors"
)

// ServerState keeps, for every replica, the newest ChangeNumber seen from it.
// Safe for concurrent use; the lock is independent from any entry lock.
type ServerState struct {
	mu   sync.RWMutex
	list map[uint16]ChangeNumber
}

// NewServerState creates an empty state
func NewServerState() *ServerState {
	return &ServerState{list: make(map[uint16]ChangeNumber)}
}

// Update merges cn into the state. Returns false when the state already held
// an equal or newer change number for cn's replica.
func (s *ServerState) Update(cn ChangeNumber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.list[cn.ReplicaID]; ok && current.CompareTo(cn) >= 0 {
		return false
	}
	s.list[cn.ReplicaID] = cn
	return true
}

// UpdateState merges every change number of other into s.
func (s *ServerState) UpdateState(other *ServerState) bool {
	if other == nil || other == s {
		return false
	}
	changed := false
	for _, cn := range other.snapshot() {
		if s.Update(cn) {
			changed = true
		}
	}
	return changed
}

// GetMaxChangeNumber returns the newest change number from replicaID, nil if none.
func (s *ServerState) GetMaxChangeNumber(replicaID uint16) *ChangeNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cn, ok := s.list[replicaID]
	if !ok {
		return nil
	}
	return &cn
}

// Cover reports whether the state already includes cn.
func (s *ServerState) Cover(cn ChangeNumber) bool {
	max := s.GetMaxChangeNumber(cn.ReplicaID)
	return max != nil && max.CompareTo(cn) >= 0
}

// ReplicaIDs returns the known replica ids in ascending order
func (s *ServerState) ReplicaIDs() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint16, 0, len(s.list))
	for id := range s.list {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of replicas tracked
func (s *ServerState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

// IsEmpty reports whether no change was ever recorded
func (s *ServerState) IsEmpty() bool {
	return s.Len() == 0
}

// Duplicate returns an independent copy
func (s *ServerState) Duplicate() *ServerState {
	dup := NewServerState()
	for _, cn := range s.snapshot() {
		dup.list[cn.ReplicaID] = cn
	}
	return dup
}

// Encode returns one change number token per replica, ordered by replica id.
func (s *ServerState) Encode() []string {
	snap := s.snapshot()
	tokens := make([]string, 0, len(snap))
	for _, cn := range snap {
		tokens = append(tokens, cn.String())
	}
	return tokens
}

// DecodeServerState rebuilds a state from Encode output.
func DecodeServerState(tokens []string) (*ServerState, error) {
	state := NewServerState()
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		cn, err := ParseChangeNumber(token)
		if err != nil {
			return nil, errors.DecodeFailed(token, "invalid server state element", err)
		}
		state.Update(cn)
	}
	return state, nil
}

// String renders the state as space separated tokens
func (s *ServerState) String() string {
	return strings.Join(s.Encode(), " ")
}

// MarshalJSON encodes the state as an array of tokens
func (s *ServerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Encode())
}

// UnmarshalJSON decodes an array of tokens
func (s *ServerState) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return errors.DecodeFailed(string(data), "server state is not a token array", err)
	}
	decoded, err := DecodeServerState(tokens)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.list = decoded.list
	s.mu.Unlock()
	return nil
}

// snapshot returns the change numbers sorted by replica id
func (s *ServerState) snapshot() []ChangeNumber {
	s.mu.RLock()
	out := make([]ChangeNumber, 0, len(s.list))
	for _, cn := range s.list {
		out = append(out, cn)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}
