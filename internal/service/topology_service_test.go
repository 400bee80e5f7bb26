package service

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTopology(nodeID string, meta NodeMeta) *TopologyService {
	return NewTopologyService(TopologyConfig{NodeID: nodeID}, meta, newTestMetrics(), zap.NewNop())
}

func metaNode(t *testing.T, name string, meta NodeMeta) *memberlist.Node {
	t.Helper()
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	return &memberlist.Node{Name: name, Addr: net.ParseIP("127.0.0.1"), Meta: data}
}

func TestTopologyService_NodeMeta(t *testing.T) {
	ds := &model.DSInfo{ID: 1, GroupID: 2, Status: model.StatusNormal}
	s := newTestTopology("ds-1", NodeMeta{DS: ds})

	var meta NodeMeta
	require.NoError(t, json.Unmarshal(s.NodeMeta(memberlist.MetaMaxSize), &meta))
	assert.Equal(t, ds, meta.DS)
	assert.Nil(t, meta.RS)

	assert.Nil(t, s.NodeMeta(4), "meta that does not fit is not truncated")
}

func TestTopologyService_JoinLeaveDeliverSnapshots(t *testing.T) {
	s := newTestTopology("ds-1", NodeMeta{DS: &model.DSInfo{ID: 1}})
	var snapshots []*model.TopologySnapshot
	s.Subscribe(func(snap *model.TopologySnapshot) { snapshots = append(snapshots, snap) })

	events := &TopologyEventDelegate{service: s}
	events.NotifyJoin(metaNode(t, "rs-20", NodeMeta{RS: &model.RSInfo{ID: 20, URL: "rs20:8989"}}))
	events.NotifyJoin(metaNode(t, "rs-10", NodeMeta{RS: &model.RSInfo{ID: 10, URL: "rs10:8989"}}))
	events.NotifyJoin(&memberlist.Node{Name: "stranger"})

	require.Len(t, snapshots, 2)
	last := snapshots[1]
	require.Len(t, last.ReplicationServers, 2)
	assert.Equal(t, uint16(10), last.ReplicationServers[0].ID)
	assert.Equal(t, uint16(20), last.ReplicationServers[1].ID)
	require.Len(t, last.DirectoryServers, 1)

	// an update carrying the same meta is not a change
	events.NotifyUpdate(metaNode(t, "rs-10", NodeMeta{RS: &model.RSInfo{ID: 10, URL: "rs10:8989"}}))
	assert.Len(t, snapshots, 2)

	events.NotifyUpdate(metaNode(t, "rs-10", NodeMeta{RS: &model.RSInfo{ID: 10, URL: "rs10:9999"}}))
	require.Len(t, snapshots, 3)

	events.NotifyLeave(&memberlist.Node{Name: "rs-20"})
	require.Len(t, snapshots, 4)
	assert.Len(t, snapshots[3].ReplicationServers, 1)
	assert.Equal(t, "rs10:9999", snapshots[3].ReplicationServers[0].URL)
}

func TestTopologyService_StateGossip(t *testing.T) {
	sender := newTestTopology("ds-1", NodeMeta{DS: &model.DSInfo{ID: 1}})
	receiver := newTestTopology("rs-10", NodeMeta{RS: &model.RSInfo{ID: 10}})
	var got *model.TopologySnapshot
	receiver.Subscribe(func(snap *model.TopologySnapshot) { got = snap })

	state := model.NewServerState()
	state.Update(model.NewChangeNumber(100, 0, 1))
	sender.AnnounceState(1, state)

	broadcasts := sender.GetBroadcasts(0, 1400)
	require.Len(t, broadcasts, 1)
	receiver.NotifyMsg(broadcasts[0])

	require.NotNil(t, got)
	require.Contains(t, got.States, uint16(1))
	assert.Equal(t, state.Encode(), got.States[1].Encode())

	// a newer state of the same server replaces the queued one
	newer := state.Duplicate()
	newer.Update(model.NewChangeNumber(200, 0, 1))
	sender.AnnounceState(1, newer)
	assert.Equal(t, 1, sender.broadcasts.NumQueued())
	receiver.NotifyMsg(sender.GetBroadcasts(0, 1400)[0])
	assert.Equal(t, newer.Encode(), got.States[1].Encode())

	// an unchanged state is not announced again
	sender.broadcasts.Reset()
	sender.AnnounceState(1, newer)
	assert.Equal(t, 0, sender.broadcasts.NumQueued())

	// garbage is dropped
	got = nil
	receiver.NotifyMsg([]byte("{"))
	receiver.NotifyMsg([]byte(`{"server_id":1,"state":["zz"]}`))
	assert.Nil(t, got)
}

func TestTopologyService_PushPull(t *testing.T) {
	a := newTestTopology("ds-1", NodeMeta{DS: &model.DSInfo{ID: 1}})
	b := newTestTopology("rs-10", NodeMeta{RS: &model.RSInfo{ID: 10, URL: "rs10:8989"}})

	stateA := model.NewServerState()
	stateA.Update(model.NewChangeNumber(100, 0, 1))
	a.AnnounceState(1, stateA)

	stateB := model.NewServerState()
	stateB.Update(model.NewChangeNumber(50, 0, 1))
	stateB.Update(model.NewChangeNumber(70, 0, 2))
	b.AnnounceState(10, stateB)

	var got *model.TopologySnapshot
	a.Subscribe(func(snap *model.TopologySnapshot) { got = snap })
	a.MergeRemoteState(b.LocalState(true), true)

	require.NotNil(t, got)
	rs, ok := got.FindRS(10)
	require.True(t, ok)
	assert.Equal(t, "rs10:8989", rs.URL)
	assert.Equal(t, stateB.Encode(), got.States[10].Encode())
	assert.Equal(t, stateA.Encode(), got.States[1].Encode())

	// merging the same view twice changes nothing
	got = nil
	a.MergeRemoteState(b.LocalState(false), false)
	assert.Nil(t, got)
}

func TestTopologyService_UpdateHealth(t *testing.T) {
	s := newTestTopology("ds-1", NodeMeta{DS: &model.DSInfo{ID: 1, Status: model.StatusNormal}})

	s.UpdateHealth(model.ReplicationHealth{Isolated: true})
	assert.Equal(t, model.StatusDegraded, s.Snapshot().DirectoryServers[0].Status)

	s.UpdateHealth(model.ReplicationHealth{Connected: true, ReplicationServerID: 10})
	ds := s.Snapshot().DirectoryServers[0]
	assert.Equal(t, model.StatusNormal, ds.Status)
	assert.Equal(t, uint16(10), ds.RSID)
}

func TestTopologyService_StartDisabled(t *testing.T) {
	s := newTestTopology("ds-1", NodeMeta{})
	require.NoError(t, s.Start())
	assert.NoError(t, s.Shutdown())
}
