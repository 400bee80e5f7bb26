package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/replication/internal/historical"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/devrev/pairdb/replication/internal/store"
	"github.com/devrev/pairdb/replication/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func putWithHistory(t *testing.T, entries store.EntryStore, dn string, add model.ChangeNumber, mods map[model.ChangeNumber][]model.Modification) {
	t.Helper()
	entry := model.NewEntry(dn)
	entry.AddValues("objectClass", "top")
	entry.SetEntryUUID(model.NewEntryUUID())

	hist := historical.New(model.DefaultSchema())
	hist.SetAdd(add, entry.EntryUUID())
	for cn, m := range mods {
		require.NoError(t, hist.ProcessLocalModify(cn, m))
		entry.ApplyModifications(m)
	}
	hist.WriteTo(entry)
	require.NoError(t, entries.Put(context.Background(), entry))
}

func newTestResync(t *testing.T, entries store.EntryStore, publisher Publisher) *ResyncService {
	s := NewResyncService(ResyncConfig{Workers: 2, QueueSize: 4}, entries, publisher, newTestMetrics(), zap.NewNop())
	t.Cleanup(func() { s.Stop(time.Second) })
	return s
}

func TestResyncService_SendsUncoveredChangesInOrder(t *testing.T) {
	entries := store.NewMemoryEntryStore()
	c := func(ts uint64) model.ChangeNumber { return model.NewChangeNumber(ts, 0, 1) }

	putWithHistory(t, entries, baseDN, c(1), nil)
	putWithHistory(t, entries, "cn=alice,"+baseDN, c(2), map[model.ChangeNumber][]model.Modification{
		c(6): {model.NewModification(model.ModAdd, "description", "six")},
	})
	putWithHistory(t, entries, "cn=bob,"+baseDN, c(4), map[model.ChangeNumber][]model.Modification{
		c(5): {model.NewModification(model.ModReplace, "displayName", "Bob")},
	})

	peer := model.NewServerState()
	peer.Update(c(2))

	publisher := &recordingPublisher{}
	report, err := newTestResync(t, entries, publisher).ResyncAll(context.Background(), peer)
	require.NoError(t, err)

	assert.Equal(t, ResyncReport{Entries: 3, Sent: 3}, report)
	require.Len(t, publisher.msgs, 3)
	assert.Equal(t, c(4), publisher.msgs[0].GetChangeNumber())
	assert.Equal(t, c(5), publisher.msgs[1].GetChangeNumber())
	assert.Equal(t, c(6), publisher.msgs[2].GetChangeNumber())

	add, ok := publisher.msgs[0].(*protocol.AddMsg)
	require.True(t, ok)
	root, err := entries.Get(context.Background(), baseDN)
	require.NoError(t, err)
	assert.Equal(t, root.EntryUUID(), add.ParentUUID)
}

func TestResyncService_SkipsEntriesWithoutHistory(t *testing.T) {
	entries := store.NewMemoryEntryStore()
	putWithHistory(t, entries, "cn=alice,"+baseDN, model.NewChangeNumber(2, 0, 1), nil)

	bare := model.NewEntry("cn=legacy," + baseDN)
	bare.AddValues("objectClass", "top")
	require.NoError(t, entries.Put(context.Background(), bare))

	broken := model.NewEntry("cn=broken," + baseDN)
	broken.AddValues(model.HistoricalAttributeName, "not a history token")
	require.NoError(t, entries.Put(context.Background(), broken))

	publisher := &recordingPublisher{}
	report, err := newTestResync(t, entries, publisher).Resync(context.Background(),
		[]string{"cn=alice," + baseDN, "cn=legacy," + baseDN, "cn=broken," + baseDN, "cn=gone," + baseDN}, nil)
	require.NoError(t, err)

	assert.Equal(t, ResyncReport{Entries: 4, Sent: 1, Skipped: 2, Failed: 1}, report)
	assert.Len(t, publisher.msgs, 1)
}

func TestResyncService_PublishFailure(t *testing.T) {
	entries := store.NewMemoryEntryStore()
	putWithHistory(t, entries, "cn=alice,"+baseDN, model.NewChangeNumber(2, 0, 1), nil)

	publisher := &recordingPublisher{err: stderrors.New("no session")}
	report, err := newTestResync(t, entries, publisher).ResyncAll(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, report.Sent)
}

func TestResyncService_Throttled(t *testing.T) {
	entries := store.NewMemoryEntryStore()
	for i, dn := range []string{"cn=a,", "cn=b,", "cn=c,"} {
		putWithHistory(t, entries, dn+baseDN, model.NewChangeNumber(uint64(i+1), 0, 1), nil)
	}

	publisher := &recordingPublisher{}
	s := NewResyncService(ResyncConfig{Workers: 1, RatePerSecond: 20, Burst: 1}, entries, publisher, newTestMetrics(), zap.NewNop())
	t.Cleanup(func() { s.Stop(time.Second) })

	start := time.Now()
	report, err := s.ResyncAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	// one token up front, the next two at 20 per second
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// slowEntries delays every read
type slowEntries struct {
	store.EntryStore
	delay time.Duration
}

func (s slowEntries) Get(ctx context.Context, dn string) (*model.Entry, error) {
	time.Sleep(s.delay)
	return s.EntryStore.Get(ctx, dn)
}

func TestResyncService_StopUnblocksResync(t *testing.T) {
	entries := store.NewMemoryEntryStore()
	dns := make([]string, 8)
	for i := range dns {
		dns[i] = fmt.Sprintf("cn=user%d,%s", i, baseDN)
		putWithHistory(t, entries, dns[i], model.NewChangeNumber(uint64(i+1), 0, 1), nil)
	}

	s := NewResyncService(ResyncConfig{Workers: 1, QueueSize: 8},
		slowEntries{EntryStore: entries, delay: 10 * time.Millisecond}, &recordingPublisher{}, newTestMetrics(), zap.NewNop())
	time.AfterFunc(20*time.Millisecond, func() { s.Stop(time.Second) })

	type result struct {
		report ResyncReport
		err    error
	}
	finished := make(chan result, 1)
	go func() {
		report, err := s.Resync(context.Background(), dns, nil)
		finished <- result{report, err}
	}()

	select {
	case res := <-finished:
		require.Error(t, res.err)
		assert.ErrorIs(t, res.err, workerpool.ErrPoolStopped)
		assert.Positive(t, res.report.Failed)
		assert.Zero(t, res.report.Sent)
	case <-time.After(2 * time.Second):
		t.Fatal("resync still waiting after the pool stopped")
	}
}
