package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/replication/internal/algorithm"
	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Session is an open replication session with one replication server
type Session interface {
	Publish(ctx context.Context, msg protocol.UpdateMsg) error
	// Done is closed once the session ended, from either side
	Done() <-chan struct{}
	Close() error
}

// closedChan is returned by SessionDone when there is no session to wait on
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ServerConnector reaches replication servers. The transport behind it is
// provided by the caller.
type ServerConnector interface {
	// Probe asks a replication server for its identity and state without opening a session
	Probe(ctx context.Context, url string, start *protocol.ServerStartMsg) (*protocol.ReplServerStartMsg, error)
	// Connect opens a session
	Connect(ctx context.Context, url string, start *protocol.ServerStartMsg) (Session, error)
}

// BrokerConfig holds the replication server connection settings of one domain
type BrokerConfig struct {
	BaseDN             string
	ReplicaID          uint16
	ServerURL          string
	GroupID            uint8
	GenerationID       int64
	ReplicationServers []string
	WindowSize         int
	HeartbeatInterval  time.Duration
	DialTimeout        time.Duration
	ProbeTimeout       time.Duration
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	MaxElapsedTime     time.Duration
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// BrokerService keeps a domain connected to the best replication server
type BrokerService struct {
	cfg       BrokerConfig
	connector ServerConnector
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu         sync.RWMutex
	urls       []string
	breakers   map[string]*gobreaker.CircuitBreaker
	session    Session
	lost       chan struct{}
	current    algorithm.ReplicationServerInfo
	lastResult algorithm.Result
}

// NewBrokerService creates a broker with one circuit breaker per replication server
func NewBrokerService(cfg BrokerConfig, connector ServerConnector, m *metrics.Metrics, logger *zap.Logger) *BrokerService {
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 3
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	b := &BrokerService{
		cfg:       cfg,
		connector: connector,
		metrics:   m,
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	b.SetServers(cfg.ReplicationServers)
	return b
}

// SetServers replaces the replication server URLs probed on the next selection
func (b *BrokerService) SetServers(urls []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.urls = append([]string(nil), urls...)
	for _, url := range urls {
		if _, ok := b.breakers[url]; !ok {
			b.breakers[url] = b.newBreaker(url)
		}
	}
}

func (b *BrokerService) newBreaker(url string) *gobreaker.CircuitBreaker {
	maxFailures := b.cfg.BreakerMaxFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     b.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Info("Replication server breaker state changed",
				zap.String("url", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func (b *BrokerService) breaker(url string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[url]
	if !ok {
		cb = b.newBreaker(url)
		b.breakers[url] = cb
	}
	return cb
}

func (b *BrokerService) startMsg(state *model.ServerState) *protocol.ServerStartMsg {
	return &protocol.ServerStartMsg{
		ServerID:          b.cfg.ReplicaID,
		ServerURL:         b.cfg.ServerURL,
		BaseDN:            b.cfg.BaseDN,
		GroupID:           b.cfg.GroupID,
		GenerationID:      b.cfg.GenerationID,
		WindowSize:        b.cfg.WindowSize,
		HeartbeatInterval: b.cfg.HeartbeatInterval.Milliseconds(),
		State:             state.Encode(),
	}
}

// probeServers asks every replication server for its state in parallel.
// Servers that fail, or whose breaker is open, are left out.
func (b *BrokerService) probeServers(ctx context.Context, state *model.ServerState) []algorithm.ReplicationServerInfo {
	b.mu.RLock()
	urls := append([]string(nil), b.urls...)
	b.mu.RUnlock()

	start := b.startMsg(state)

	var (
		mu         sync.Mutex
		candidates []algorithm.ReplicationServerInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		g.Go(func() error {
			info, err := b.probe(gctx, url, start)
			if err != nil {
				b.logger.Warn("Failed to probe replication server",
					zap.String("url", url),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			candidates = append(candidates, info)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates
}

func (b *BrokerService) probe(ctx context.Context, url string, start *protocol.ServerStartMsg) (algorithm.ReplicationServerInfo, error) {
	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()

	resp, err := b.breaker(url).Execute(func() (interface{}, error) {
		return b.connector.Probe(probeCtx, url, start)
	})
	if err != nil {
		return algorithm.ReplicationServerInfo{}, err
	}

	reply := resp.(*protocol.ReplServerStartMsg)
	state, err := model.DecodeServerState(reply.State)
	if err != nil {
		b.metrics.RecordDecodeError("probe")
		return algorithm.ReplicationServerInfo{}, err
	}

	serverURL := reply.ServerURL
	if serverURL == "" {
		serverURL = url
	}
	return algorithm.ReplicationServerInfo{
		RSInfo: model.RSInfo{
			ID:           reply.ServerID,
			GenerationID: reply.GenerationID,
			GroupID:      reply.GroupID,
			URL:          serverURL,
		},
		State: state,
	}, nil
}

// SelectFrom runs the selection over known candidates and remembers the verdicts
func (b *BrokerService) SelectFrom(state *model.ServerState, candidates []algorithm.ReplicationServerInfo) algorithm.Result {
	result := algorithm.ComputeBestReplicationServer(state, candidates, b.cfg.ReplicaID, b.cfg.GroupID, b.cfg.GenerationID)

	b.mu.Lock()
	b.lastResult = result
	b.mu.Unlock()

	return result
}

// Select probes the replication servers and selects the best one
func (b *BrokerService) Select(ctx context.Context, state *model.ServerState) algorithm.Result {
	return b.SelectFrom(state, b.probeServers(ctx, state))
}

// Connect selects a replication server and opens a session on it, retrying
// with exponential backoff until it succeeds, MaxElapsedTime passes or ctx ends.
func (b *BrokerService) Connect(ctx context.Context, state *model.ServerState) error {
	bo := backoff.NewExponentialBackOff()
	if b.cfg.InitialInterval > 0 {
		bo.InitialInterval = b.cfg.InitialInterval
	}
	if b.cfg.MaxInterval > 0 {
		bo.MaxInterval = b.cfg.MaxInterval
	}
	bo.MaxElapsedTime = b.cfg.MaxElapsedTime

	attempt := 0
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		result := b.Select(ctx, state)
		if !result.Found {
			b.metrics.RecordConnectionAttempt("no_server")
			return errors.NoReplicationServer(b.cfg.BaseDN)
		}
		if err := b.connectTo(ctx, result.Best, state); err != nil {
			b.logger.Warn("Failed to connect to replication server",
				zap.Uint16("rs_id", result.Best.ID),
				zap.String("url", result.Best.URL),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("failed to connect domain %s: %w", b.cfg.BaseDN, err)
	}
	return nil
}

func (b *BrokerService) connectTo(ctx context.Context, rs algorithm.ReplicationServerInfo, state *model.ServerState) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()

	start := b.startMsg(state)
	resp, err := b.breaker(rs.URL).Execute(func() (interface{}, error) {
		return b.connector.Connect(dialCtx, rs.URL, start)
	})
	if err != nil {
		b.metrics.RecordConnectionAttempt("failure")
		return errors.Unavailable("replication server unreachable", err).
			WithDetail("rs_id", rs.ID).
			WithDetail("url", rs.URL)
	}
	session := resp.(Session)

	b.mu.Lock()
	old, oldLost := b.session, b.lost
	b.session = session
	b.lost = make(chan struct{})
	b.current = rs
	b.mu.Unlock()

	if oldLost != nil {
		close(oldLost)
	}
	if old != nil {
		if err := old.Close(); err != nil {
			b.logger.Warn("Failed to close previous session", zap.Error(err))
		}
	}
	go b.watch(session, rs)

	b.metrics.RecordConnectionAttempt("success")
	b.metrics.SetConnected(true)
	b.logger.Info("Connected to replication server",
		zap.String("domain", b.cfg.BaseDN),
		zap.Uint16("rs_id", rs.ID),
		zap.String("url", rs.URL),
		zap.Uint8("group_id", rs.GroupID))
	return nil
}

// Failover re-runs the selection over candidates and moves the session when a
// different replication server wins. It reports whether the session moved.
func (b *BrokerService) Failover(ctx context.Context, state *model.ServerState, candidates []algorithm.ReplicationServerInfo) (bool, error) {
	result := b.SelectFrom(state, candidates)
	if !result.Found {
		return false, nil
	}

	b.mu.RLock()
	connected := b.session != nil
	currentID := b.current.ID
	b.mu.RUnlock()

	if connected && currentID == result.Best.ID {
		return false, nil
	}

	if err := b.connectTo(ctx, result.Best, state); err != nil {
		return false, err
	}
	if connected {
		b.metrics.RecordFailover()
		b.logger.Info("Failed over to better replication server",
			zap.Uint16("from_rs_id", currentID),
			zap.Uint16("to_rs_id", result.Best.ID))
	}
	return true, nil
}

// Publish sends msg on the current session. A failed send drops the session.
func (b *BrokerService) Publish(ctx context.Context, msg protocol.UpdateMsg) error {
	b.mu.RLock()
	session := b.session
	b.mu.RUnlock()

	if session == nil {
		b.metrics.RecordPublish(msg.Type().String(), "no_session")
		return errors.NoReplicationServer(b.cfg.BaseDN)
	}

	if err := session.Publish(ctx, msg); err != nil {
		b.metrics.RecordPublish(msg.Type().String(), "failure")
		b.dropSession(session)
		return errors.Unavailable("failed to publish update", err).
			WithDetail("csn", msg.GetChangeNumber().String())
	}
	b.metrics.RecordPublish(msg.Type().String(), "success")
	return nil
}

// watch drops the session once the replication server ends it
func (b *BrokerService) watch(session Session, rs algorithm.ReplicationServerInfo) {
	<-session.Done()
	if b.dropSession(session) {
		b.metrics.RecordConnectionAttempt("lost")
		b.logger.Warn("Replication server session ended",
			zap.String("domain", b.cfg.BaseDN),
			zap.Uint16("rs_id", rs.ID),
			zap.String("url", rs.URL))
	}
}

// dropSession forgets session if it is still the current one and reports whether it was
func (b *BrokerService) dropSession(session Session) bool {
	b.mu.Lock()
	if b.session != session {
		b.mu.Unlock()
		return false
	}
	lost := b.lost
	b.session = nil
	b.lost = nil
	b.current = algorithm.ReplicationServerInfo{}
	b.mu.Unlock()

	close(lost)
	_ = session.Close()
	b.metrics.SetConnected(false)
	return true
}

// SessionDone returns a channel closed when the current session ends or is
// replaced by a failover. Without a session the channel is already closed.
func (b *BrokerService) SessionDone() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.session == nil {
		return closedChan
	}
	return b.lost
}

// Connected reports whether a session is open
func (b *BrokerService) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session != nil
}

// Current returns the replication server the session is open on
func (b *BrokerService) Current() (algorithm.ReplicationServerInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current, b.session != nil
}

// LastResult returns the verdicts of the last selection
func (b *BrokerService) LastResult() algorithm.Result {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastResult
}

// Close closes the current session
func (b *BrokerService) Close() error {
	b.mu.Lock()
	session, lost := b.session, b.lost
	b.session = nil
	b.lost = nil
	b.current = algorithm.ReplicationServerInfo{}
	b.mu.Unlock()

	b.metrics.SetConnected(false)
	if session == nil {
		return nil
	}
	close(lost)
	return session.Close()
}
