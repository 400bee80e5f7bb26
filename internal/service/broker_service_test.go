package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/devrev/pairdb/replication/internal/algorithm"
	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(connector ServerConnector, urls ...string) *BrokerService {
	return newTestBrokerWith(connector, nil, urls...)
}

func newTestBrokerWith(connector ServerConnector, adjust func(*BrokerConfig), urls ...string) *BrokerService {
	cfg := BrokerConfig{
		BaseDN:             baseDN,
		ReplicaID:          1,
		GenerationID:       -1,
		ReplicationServers: urls,
		InitialInterval:    time.Millisecond,
		MaxInterval:        5 * time.Millisecond,
		MaxElapsedTime:     time.Second,
		ProbeTimeout:       time.Second,
		DialTimeout:        time.Second,
		BreakerMaxFailures: 3,
		BreakerTimeout:     time.Minute,
	}
	if adjust != nil {
		adjust(&cfg)
	}
	return NewBrokerService(cfg, connector, newTestMetrics(), zap.NewNop())
}

func reply(id uint16, cns ...model.ChangeNumber) *protocol.ReplServerStartMsg {
	state := model.NewServerState()
	for _, cn := range cns {
		state.Update(cn)
	}
	return &protocol.ReplServerStartMsg{ServerID: id, BaseDN: baseDN, State: state.Encode()}
}

func TestBrokerService_ConnectSelectsMostUpToDate(t *testing.T) {
	connector := new(MockServerConnector)
	session := new(MockSession)
	connector.On("Probe", mock.Anything, "rs1:8989", mock.Anything).Return(reply(1, model.NewChangeNumber(100, 0, 1)), nil)
	connector.On("Probe", mock.Anything, "rs2:8989", mock.Anything).Return(reply(2, model.NewChangeNumber(200, 0, 1)), nil)
	connector.On("Connect", mock.Anything, "rs2:8989", mock.MatchedBy(func(start *protocol.ServerStartMsg) bool {
		return start.ServerID == 1 && start.BaseDN == baseDN
	})).Return(session, nil)

	b := newTestBroker(connector, "rs1:8989", "rs2:8989")
	local := model.NewServerState()
	local.Update(model.NewChangeNumber(200, 0, 1))

	require.NoError(t, b.Connect(context.Background(), local))

	current, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, uint16(2), current.ID)
	assert.Equal(t, "rs2:8989", current.URL)
	assert.True(t, b.Connected())

	evals := b.LastResult().Evaluations
	require.Len(t, evals, 2)
	assert.Equal(t, algorithm.ReasonBehindLocal, evals[0].Reason)
	assert.Equal(t, algorithm.ReasonBest, evals[1].Reason)
	connector.AssertExpectations(t)
}

func TestBrokerService_ConnectRetries(t *testing.T) {
	connector := new(MockServerConnector)
	session := new(MockSession)
	connector.On("Probe", mock.Anything, "rs1:8989", mock.Anything).Return(nil, stderrors.New("connection refused")).Once()
	connector.On("Probe", mock.Anything, "rs1:8989", mock.Anything).Return(reply(1), nil)
	connector.On("Connect", mock.Anything, "rs1:8989", mock.Anything).Return(session, nil)

	b := newTestBroker(connector, "rs1:8989")
	require.NoError(t, b.Connect(context.Background(), model.NewServerState()))

	assert.True(t, b.Connected())
	connector.AssertNumberOfCalls(t, "Probe", 2)
}

func TestBrokerService_ConnectGivesUp(t *testing.T) {
	connector := new(MockServerConnector)
	connector.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return(nil, stderrors.New("connection refused"))

	b := newTestBroker(connector, "rs1:8989")
	b.cfg.MaxElapsedTime = 20 * time.Millisecond

	err := b.Connect(context.Background(), model.NewServerState())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoReplicationServer, errors.GetCode(err))
	assert.False(t, b.Connected())
}

func TestBrokerService_ConnectStopsWithContext(t *testing.T) {
	connector := new(MockServerConnector)
	connector.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return(nil, stderrors.New("connection refused"))

	b := newTestBroker(connector, "rs1:8989")
	b.cfg.MaxElapsedTime = 0

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Connect(ctx, model.NewServerState()))
}

func TestBrokerService_BreakerSkipsFailingServer(t *testing.T) {
	connector := new(MockServerConnector)
	connector.On("Probe", mock.Anything, "rs1:8989", mock.Anything).Return(nil, stderrors.New("connection refused"))

	b := newTestBrokerWith(connector, func(cfg *BrokerConfig) { cfg.BreakerMaxFailures = 2 }, "rs1:8989")

	for i := 0; i < 4; i++ {
		result := b.Select(context.Background(), model.NewServerState())
		assert.False(t, result.Found)
	}
	connector.AssertNumberOfCalls(t, "Probe", 2)
}

func TestBrokerService_Publish(t *testing.T) {
	msg := &protocol.DeleteMsg{Header: protocol.UpdateHeader{ChangeNumber: model.NewChangeNumber(1, 0, 1), DN: "cn=a," + baseDN}}

	t.Run("without session", func(t *testing.T) {
		b := newTestBroker(new(MockServerConnector))
		err := b.Publish(context.Background(), msg)
		assert.Equal(t, errors.ErrCodeNoReplicationServer, errors.GetCode(err))
	})

	t.Run("failure drops the session", func(t *testing.T) {
		connector := new(MockServerConnector)
		session := new(MockSession)
		connector.On("Probe", mock.Anything, "rs1:8989", mock.Anything).Return(reply(1), nil)
		connector.On("Connect", mock.Anything, "rs1:8989", mock.Anything).Return(session, nil)
		session.On("Publish", mock.Anything, msg).Return(nil).Once()
		session.On("Publish", mock.Anything, msg).Return(stderrors.New("broken pipe"))
		session.On("Close").Return(nil)

		b := newTestBroker(connector, "rs1:8989")
		require.NoError(t, b.Connect(context.Background(), model.NewServerState()))

		require.NoError(t, b.Publish(context.Background(), msg))
		err := b.Publish(context.Background(), msg)
		assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
		assert.False(t, b.Connected())
		session.AssertCalled(t, "Close")
	})
}

func TestBrokerService_Failover(t *testing.T) {
	connector := new(MockServerConnector)
	first, second := new(MockSession), new(MockSession)
	connector.On("Connect", mock.Anything, "rs1:8989", mock.Anything).Return(first, nil)
	connector.On("Connect", mock.Anything, "rs2:8989", mock.Anything).Return(second, nil)
	first.On("Close").Return(nil)

	b := newTestBroker(connector)
	local := model.NewServerState()
	local.Update(model.NewChangeNumber(100, 0, 1))

	behind := model.NewServerState()
	upToDate := model.NewServerState()
	upToDate.Update(model.NewChangeNumber(100, 0, 1))

	rs1 := algorithm.ReplicationServerInfo{RSInfo: model.RSInfo{ID: 1, URL: "rs1:8989"}, State: upToDate}
	switched, err := b.Failover(context.Background(), local, []algorithm.ReplicationServerInfo{rs1})
	require.NoError(t, err)
	assert.True(t, switched)

	// same winner, nothing moves
	switched, err = b.Failover(context.Background(), local, []algorithm.ReplicationServerInfo{rs1})
	require.NoError(t, err)
	assert.False(t, switched)

	rs1.State = behind
	rs2 := algorithm.ReplicationServerInfo{RSInfo: model.RSInfo{ID: 2, URL: "rs2:8989"}, State: upToDate}
	switched, err = b.Failover(context.Background(), local, []algorithm.ReplicationServerInfo{rs1, rs2})
	require.NoError(t, err)
	assert.True(t, switched)

	current, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, uint16(2), current.ID)
	first.AssertCalled(t, "Close")
}

func TestBrokerService_SessionEndDropsSession(t *testing.T) {
	connector := new(MockServerConnector)
	session := new(MockSession)
	connector.On("Probe", mock.Anything, "rs1:8989", mock.Anything).Return(reply(1), nil)
	connector.On("Connect", mock.Anything, "rs1:8989", mock.Anything).Return(session, nil)
	session.On("Close").Return(nil)

	b := newTestBroker(connector, "rs1:8989")
	require.NoError(t, b.Connect(context.Background(), model.NewServerState()))
	done := b.SessionDone()

	select {
	case <-done:
		t.Fatal("session reported done while open")
	default:
	}

	session.End()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("end of session not reported")
	}
	assert.Eventually(t, func() bool { return !b.Connected() }, time.Second, 5*time.Millisecond)
	session.AssertCalled(t, "Close")

	// without a session there is nothing to wait for
	select {
	case <-b.SessionDone():
	default:
		t.Fatal("SessionDone blocks without a session")
	}
}

func TestBrokerService_FailoverEndsWaitOnPreviousSession(t *testing.T) {
	connector := new(MockServerConnector)
	first, second := new(MockSession), new(MockSession)
	connector.On("Connect", mock.Anything, "rs1:8989", mock.Anything).Return(first, nil)
	connector.On("Connect", mock.Anything, "rs2:8989", mock.Anything).Return(second, nil)
	first.On("Close").Return(nil).Run(func(mock.Arguments) { first.End() })

	b := newTestBroker(connector)
	rs1 := algorithm.ReplicationServerInfo{RSInfo: model.RSInfo{ID: 1, URL: "rs1:8989"}, State: model.NewServerState()}
	rs2 := algorithm.ReplicationServerInfo{RSInfo: model.RSInfo{ID: 2, URL: "rs2:8989"}, State: model.NewServerState()}

	_, err := b.Failover(context.Background(), model.NewServerState(), []algorithm.ReplicationServerInfo{rs1})
	require.NoError(t, err)
	done := b.SessionDone()

	_, err = b.Failover(context.Background(), model.NewServerState(), []algorithm.ReplicationServerInfo{rs2})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait on the replaced session did not end")
	}
	// the end of the replaced session does not drop its successor
	time.Sleep(20 * time.Millisecond)
	current, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, uint16(2), current.ID)
	second.AssertNotCalled(t, "Close")
}
