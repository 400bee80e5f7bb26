package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/historical"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/devrev/pairdb/replication/internal/store"
	"github.com/devrev/pairdb/replication/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Publisher sends update messages to the replication server
type Publisher interface {
	Publish(ctx context.Context, msg protocol.UpdateMsg) error
}

// ResyncConfig bounds a resync
type ResyncConfig struct {
	Workers       int
	QueueSize     int
	RatePerSecond float64
	Burst         int
}

// ResyncReport counts what a resync did
type ResyncReport struct {
	Entries int `json:"entries"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ResyncService rebuilds operations from entry history and sends the ones a
// peer has not seen. History is read on a worker pool, sends are throttled.
type ResyncService struct {
	entries   store.EntryStore
	publisher Publisher
	pool      *workerpool.WorkerPool
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewResyncService creates a resync service with its own worker pool
func NewResyncService(cfg ResyncConfig, entries store.EntryStore, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *ResyncService {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &ResyncService{
		entries:   entries,
		publisher: publisher,
		pool: workerpool.NewWorkerPool(workerpool.Config{
			Name:       "resync",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger,
	}
}

// ResyncAll resends every change of every entry that peer does not cover
func (s *ResyncService) ResyncAll(ctx context.Context, peer *model.ServerState) (ResyncReport, error) {
	entries, err := s.entries.List(ctx)
	if err != nil {
		return ResyncReport{}, fmt.Errorf("failed to list entries: %w", err)
	}
	dns := make([]string, len(entries))
	for i, entry := range entries {
		dns[i] = entry.DN
	}
	return s.Resync(ctx, dns, peer)
}

// Resync resends the changes of the entries at dns that peer does not cover.
// Operations of all entries are sent in change number order. Entries without
// usable history are skipped and counted.
func (s *ResyncService) Resync(ctx context.Context, dns []string, peer *model.ServerState) (ResyncReport, error) {
	var (
		mu      sync.Mutex
		pending []historical.FakeOperation
		skipped atomic.Int32
		failed  atomic.Int32
		dropped atomic.Int32
		wg      sync.WaitGroup
	)

	for _, dn := range dns {
		wg.Add(1)
		task := workerpool.Task{
			ID: dn,
			Fn: func(ctx context.Context) error {
				ops, err := s.collect(ctx, dn, peer)
				if err != nil {
					return err
				}
				mu.Lock()
				pending = append(pending, ops...)
				mu.Unlock()
				return nil
			},
			Done: func(err error) {
				defer wg.Done()
				switch {
				case err == nil:
				case stderrors.Is(err, workerpool.ErrPoolStopped):
					dropped.Add(1)
				case errors.IsHistoryUnavailable(err):
					skipped.Add(1)
					s.metrics.RecordResyncEntry("skipped")
					s.logger.Warn("Skipping entry without usable history",
						zap.String("dn", dn),
						zap.Error(err))
				default:
					failed.Add(1)
					s.metrics.RecordResyncEntry("failed")
					s.logger.Warn("Failed to read entry for resync",
						zap.String("dn", dn),
						zap.Error(err))
				}
			},
		}
		if err := s.pool.Submit(ctx, task); err != nil {
			wg.Done()
			return ResyncReport{}, fmt.Errorf("failed to schedule resync of %s: %w", dn, err)
		}
	}
	wg.Wait()

	report := ResyncReport{
		Entries: len(dns),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	if n := dropped.Load(); n > 0 {
		report.Failed += int(n)
		return report, fmt.Errorf("resync stopped with %d of %d entries unread: %w", n, len(dns), workerpool.ErrPoolStopped)
	}

	slices.SortStableFunc(pending, historical.CompareFakeOperations)
	for _, op := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		msg := op.GenerateMessage()
		if err := s.publisher.Publish(ctx, msg); err != nil {
			return report, fmt.Errorf("failed to send %s %s: %w", msg.Type(), op.ChangeNumber(), err)
		}
		s.metrics.RecordFakeOperation(msg.Type().String())
		report.Sent++
	}

	s.logger.Info("Resync finished",
		zap.Int("entries", report.Entries),
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *ResyncService) collect(ctx context.Context, dn string, peer *model.ServerState) ([]historical.FakeOperation, error) {
	entry, err := s.entries.Get(ctx, dn)
	if err != nil {
		return nil, err
	}

	resolve := func(parent string) string {
		p, err := s.entries.Get(ctx, parent)
		if err != nil {
			return ""
		}
		return p.EntryUUID()
	}

	ops, err := historical.GenerateFakeOperations(entry, resolve)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordResyncEntry("read")
	return ops.NotCoveredBy(peer), nil
}

// Stop waits for queued entries to finish
func (s *ResyncService) Stop(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}
