package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

const testDomain = "dc=example,dc=com"

func newFileStore(t *testing.T, maxCheckpoints int) (*FileStateStore, string) {
	dir := t.TempDir()
	s, err := NewFileStateStore(FileStateStoreConfig{Directory: dir, SyncWrites: true, MaxCheckpoints: maxCheckpoints}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func stateOf(cns ...model.ChangeNumber) *model.ServerState {
	s := model.NewServerState()
	for _, cn := range cns {
		s.Update(cn)
	}
	return s
}

func TestFileStateStore_EmptyDomain(t *testing.T) {
	s, _ := newFileStore(t, 0)

	state, err := s.LoadServerState(context.Background(), testDomain)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
}

func TestFileStateStore_LastCheckpointWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, 0)

	first := stateOf(model.NewChangeNumber(10, 0, 1))
	second := stateOf(model.NewChangeNumber(20, 0, 1), model.NewChangeNumber(5, 1, 2))
	require.NoError(t, s.SaveServerState(ctx, testDomain, first))
	require.NoError(t, s.SaveServerState(ctx, testDomain, second))

	state, err := s.LoadServerState(ctx, testDomain)
	require.NoError(t, err)
	assert.Equal(t, second.Encode(), state.Encode())

	other, err := s.LoadServerState(ctx, "dc=other,dc=com")
	require.NoError(t, err)
	assert.True(t, other.IsEmpty(), "domains are kept apart")
}

func TestFileStateStore_TornTail(t *testing.T) {
	ctx := context.Background()
	s, dir := newFileStore(t, 0)

	saved := stateOf(model.NewChangeNumber(10, 0, 1))
	require.NoError(t, s.SaveServerState(ctx, testDomain, saved))
	require.NoError(t, s.Close())

	path := s.path(testDomain)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`1234abcd {"domain":"dc=example`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileStateStore(FileStateStoreConfig{Directory: dir}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.LoadServerState(ctx, testDomain)
	require.NoError(t, err)
	assert.Equal(t, saved.Encode(), state.Encode())

	newer := stateOf(model.NewChangeNumber(11, 0, 1))
	require.NoError(t, reopened.SaveServerState(ctx, testDomain, newer))
	state, err = reopened.LoadServerState(ctx, testDomain)
	require.NoError(t, err)
	assert.Equal(t, newer.Encode(), state.Encode(), "append after a torn line starts a fresh line")
}

func TestFileStateStore_Corrupted(t *testing.T) {
	s, dir := newFileStore(t, 0)
	path := filepath.Join(dir, "corrupt.state")
	require.NoError(t, os.WriteFile(path, []byte("garbage line\nmore garbage\n"), 0644))

	_, _, err := s.readLast(path)
	assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err))
}

func TestFileStateStore_Compaction(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, 3)

	for ts := uint64(1); ts <= 7; ts++ {
		require.NoError(t, s.SaveServerState(ctx, testDomain, stateOf(model.NewChangeNumber(ts, 0, 1))))
	}

	_, lines, err := s.readLast(s.path(testDomain))
	require.NoError(t, err)
	assert.LessOrEqual(t, lines, 3)

	state, err := s.LoadServerState(ctx, testDomain)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), state.GetMaxChangeNumber(1).Timestamp)
}

func TestStateHash(t *testing.T) {
	state := stateOf(model.NewChangeNumber(10, 0, 1), model.NewChangeNumber(20, 3, 7))

	hash := stateToHash(state)
	require.Len(t, hash, 2)

	fields := make(map[string]string, len(hash))
	for k, v := range hash {
		fields[k] = v.(string)
	}
	decoded, err := stateFromHash(fields)
	require.NoError(t, err)
	assert.Equal(t, state.Encode(), decoded.Encode())

	fields["1"] = fields["7"]
	_, err = stateFromHash(fields)
	assert.True(t, errors.IsDecodeError(err), "token stored under the wrong replica")
}
