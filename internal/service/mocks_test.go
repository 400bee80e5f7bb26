package service

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/replication/internal/algorithm"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics("test-node", prometheus.NewRegistry())
}

// MockBroker is a mock implementation of Broker
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Connect(ctx context.Context, state *model.ServerState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockBroker) SessionDone() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(<-chan struct{})
}

func (m *MockBroker) Failover(ctx context.Context, state *model.ServerState, candidates []algorithm.ReplicationServerInfo) (bool, error) {
	args := m.Called(ctx, state, candidates)
	return args.Bool(0), args.Error(1)
}

func (m *MockBroker) Publish(ctx context.Context, msg protocol.UpdateMsg) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockBroker) Connected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockBroker) Current() (algorithm.ReplicationServerInfo, bool) {
	args := m.Called()
	return args.Get(0).(algorithm.ReplicationServerInfo), args.Bool(1)
}

func (m *MockBroker) LastResult() algorithm.Result {
	args := m.Called()
	return args.Get(0).(algorithm.Result)
}

func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockServerConnector is a mock implementation of ServerConnector
type MockServerConnector struct {
	mock.Mock
}

func (m *MockServerConnector) Probe(ctx context.Context, url string, start *protocol.ServerStartMsg) (*protocol.ReplServerStartMsg, error) {
	args := m.Called(ctx, url, start)
	if v := args.Get(0); v != nil {
		return v.(*protocol.ReplServerStartMsg), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockServerConnector) Connect(ctx context.Context, url string, start *protocol.ServerStartMsg) (Session, error) {
	args := m.Called(ctx, url, start)
	if v := args.Get(0); v != nil {
		return v.(Session), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSession is a mock implementation of Session. Done is not mocked:
// End closes it the way a replication server hanging up would.
type MockSession struct {
	mock.Mock

	doneOnce sync.Once
	done     chan struct{}
	endOnce  sync.Once
}

func (m *MockSession) doneChan() chan struct{} {
	m.doneOnce.Do(func() { m.done = make(chan struct{}) })
	return m.done
}

func (m *MockSession) Done() <-chan struct{} {
	return m.doneChan()
}

// End ends the session from the replication server side
func (m *MockSession) End() {
	m.endOnce.Do(func() { close(m.doneChan()) })
}

func (m *MockSession) Publish(ctx context.Context, msg protocol.UpdateMsg) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockStateStore is a mock implementation of store.StateStore
type MockStateStore struct {
	mock.Mock
}

func (m *MockStateStore) LoadServerState(ctx context.Context, domainID string) (*model.ServerState, error) {
	args := m.Called(ctx, domainID)
	if v := args.Get(0); v != nil {
		return v.(*model.ServerState), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStateStore) SaveServerState(ctx context.Context, domainID string, state *model.ServerState) error {
	args := m.Called(ctx, domainID, state)
	return args.Error(0)
}

func (m *MockStateStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// recordingPublisher keeps every published message
type recordingPublisher struct {
	msgs []protocol.UpdateMsg
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg protocol.UpdateMsg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}
