package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/replication/internal/algorithm"
	"github.com/devrev/pairdb/replication/internal/config"
	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/historical"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/plugin"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/devrev/pairdb/replication/internal/store"
	"go.uber.org/zap"
)

// ConflictAttributeName marks entries renamed aside by a naming conflict
const ConflictAttributeName = "ds-sync-conflict"

// Replay outcomes, used as metric labels
const (
	outcomeApplied   = "applied"
	outcomeResolved  = "resolved"
	outcomeDropped   = "dropped"
	outcomeDuplicate = "duplicate"
	outcomeNotFound  = "not_found"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// Broker is the connection of a domain to the replication servers
type Broker interface {
	Connect(ctx context.Context, state *model.ServerState) error
	SessionDone() <-chan struct{}
	Failover(ctx context.Context, state *model.ServerState, candidates []algorithm.ReplicationServerInfo) (bool, error)
	Publish(ctx context.Context, msg protocol.UpdateMsg) error
	Connected() bool
	Current() (algorithm.ReplicationServerInfo, bool)
	LastResult() algorithm.Result
	Close() error
}

// TopologyAnnouncer spreads the local state of a domain to the other members
type TopologyAnnouncer interface {
	AnnounceState(serverID uint16, state *model.ServerState)
	UpdateHealth(health model.ReplicationHealth)
}

// DomainConfig holds the settings of one replicated subtree
type DomainConfig struct {
	BaseDN             string
	ReplicaID          uint16
	GroupID            uint8
	GenerationID       int64
	IsolationPolicy    string
	Assured            bool
	SafeDataLevel      uint8
	CheckpointInterval time.Duration
	// ReconnectInterval is the pause after Connect gave up before selecting again
	ReconnectInterval time.Duration
	Clock             model.Clock
}

// TopologyView is what the domain currently knows about its replication servers
type TopologyView struct {
	Domain      string                  `json:"domain"`
	Connected   bool                    `json:"connected"`
	Current     *model.RSInfo           `json:"current,omitempty"`
	Snapshot    *model.TopologySnapshot `json:"snapshot,omitempty"`
	Evaluations []algorithm.Evaluation  `json:"evaluations"`
}

// DomainService replicates the entries below one base DN
type DomainService struct {
	cfg       DomainConfig
	state     *model.ServerState
	generator *model.ChangeNumberGenerator
	schema    *model.Schema
	entries   store.EntryStore
	states    store.StateStore
	broker    Broker
	resync    *ResyncService
	plugins   *plugin.Registry
	announcer TopologyAnnouncer
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// serializes changes to entries
	mu sync.Mutex

	topoMu   sync.RWMutex
	topology *model.TopologySnapshot

	dirty    atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDomainService creates a domain and registers its own plugin handlers.
// resync may be nil, in which case a lagging replication server is not caught up.
func NewDomainService(
	cfg DomainConfig,
	schema *model.Schema,
	entries store.EntryStore,
	states store.StateStore,
	broker Broker,
	resync *ResyncService,
	plugins *plugin.Registry,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DomainService {
	if schema == nil {
		schema = model.DefaultSchema()
	}
	if cfg.IsolationPolicy == "" {
		cfg.IsolationPolicy = config.IsolationAccept
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = time.Second
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}

	d := &DomainService{
		cfg:     cfg,
		state:   model.NewServerState(),
		schema:  schema,
		entries: entries,
		states:  states,
		broker:  broker,
		resync:  resync,
		plugins: plugins,
		metrics: m,
		logger:  logger.With(zap.String("domain", cfg.BaseDN)),
		stopCh:  make(chan struct{}),
	}
	d.generator = model.NewChangeNumberGenerator(cfg.ReplicaID, nil, cfg.Clock)

	plugins.RegisterAll(plugin.PhasePreOperation, "replication", d.preOperation)
	plugins.RegisterAll(plugin.PhaseConflict, "replication", d.checkReplicated)
	return d
}

// SetAnnouncer sets where state and health are announced after each checkpoint
func (d *DomainService) SetAnnouncer(a TopologyAnnouncer) {
	d.announcer = a
}

// ID returns the base DN identifying the domain
func (d *DomainService) ID() string {
	return d.cfg.BaseDN
}

// Start loads the persisted ServerState, seeds the change number generator
// and starts the checkpoint and connection loops.
func (d *DomainService) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}

	saved, err := d.states.LoadServerState(ctx, d.cfg.BaseDN)
	if err != nil {
		return fmt.Errorf("failed to load server state: %w", err)
	}
	d.state.UpdateState(saved)
	d.generator.AdjustState(d.state)

	d.logger.Info("Domain started",
		zap.Uint16("replica_id", d.cfg.ReplicaID),
		zap.Stringer("state", d.state))

	d.wg.Add(2)
	go d.checkpointLoop()
	go d.connectLoop(ctx)
	return nil
}

func (d *DomainService) checkpointLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if d.dirty.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CheckpointInterval)
				if err := d.Checkpoint(ctx); err != nil {
					d.logger.Warn("Checkpoint failed", zap.Error(err))
				}
				cancel()
			}
			d.announce()
		case <-d.stopCh:
			return
		}
	}
}

// connectLoop keeps the domain on a replication server: it connects, catches
// the server up, and selects again each time the session ends.
func (d *DomainService) connectLoop(ctx context.Context) {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if !d.broker.Connected() {
			if err := d.broker.Connect(ctx, d.state.Duplicate()); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("Domain is isolated", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.cfg.ReconnectInterval):
				}
				continue
			}
			d.catchUp(ctx)
		}

		// a failover also ends the wait, the new session is then still connected
		select {
		case <-ctx.Done():
			return
		case <-d.broker.SessionDone():
		}
		if !d.broker.Connected() && ctx.Err() == nil {
			d.logger.Warn("Replication server session lost, selecting a server again")
		}
	}
}

// catchUp sends the local changes the replication server has not seen yet
func (d *DomainService) catchUp(ctx context.Context) {
	if d.resync == nil {
		return
	}
	rs, ok := d.broker.Current()
	if !ok {
		return
	}

	mine := d.state.GetMaxChangeNumber(d.cfg.ReplicaID)
	var theirs *model.ChangeNumber
	if rs.State != nil {
		theirs = rs.State.GetMaxChangeNumber(d.cfg.ReplicaID)
	}
	if mine == nil || mine.OlderOrEqual(theirs) {
		return
	}

	d.logger.Info("Replication server is behind local changes, resending from history",
		zap.Uint16("rs_id", rs.ID),
		zap.Stringer("local_csn", mine))
	report, err := d.resync.ResyncAll(ctx, rs.State)
	if err != nil {
		d.logger.Warn("Catch up failed", zap.Error(err))
		return
	}
	d.logger.Info("Catch up finished",
		zap.Int("entries", report.Entries),
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped))
}

func (d *DomainService) announce() {
	if d.announcer == nil {
		return
	}
	d.announcer.AnnounceState(d.cfg.ReplicaID, d.state.Duplicate())
	d.announcer.UpdateHealth(d.ReplicationHealth())
}

// Checkpoint persists the ServerState
func (d *DomainService) Checkpoint(ctx context.Context) error {
	start := time.Now()
	d.dirty.Store(false)
	snapshot := d.state.Duplicate()

	if err := d.states.SaveServerState(ctx, d.cfg.BaseDN, snapshot); err != nil {
		d.dirty.Store(true)
		d.metrics.RecordCheckpoint("failure", time.Since(start).Seconds(), snapshot.Len())
		return err
	}
	d.metrics.RecordCheckpoint("success", time.Since(start).Seconds(), snapshot.Len())
	return nil
}

// Stop ends the background loops, persists the ServerState and closes the session
func (d *DomainService) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()

		err = d.Checkpoint(ctx)
		if cerr := d.broker.Close(); cerr != nil {
			d.logger.Warn("Failed to close replication session", zap.Error(cerr))
		}
		d.logger.Info("Domain stopped", zap.Stringer("state", d.state))
	})
	return err
}

// ServerState returns a copy of the current state
func (d *DomainService) ServerState() *model.ServerState {
	return d.state.Duplicate()
}

// Isolated reports whether no replication server is connected
func (d *DomainService) Isolated() bool {
	return !d.broker.Connected()
}

// ReplicationHealth implements health.ReplicationProvider
func (d *DomainService) ReplicationHealth() model.ReplicationHealth {
	rs, connected := d.broker.Current()
	return model.ReplicationHealth{
		Domain:              d.cfg.BaseDN,
		ReplicaID:           d.cfg.ReplicaID,
		Connected:           connected,
		ReplicationServerID: rs.ID,
		Isolated:            !connected,
		KnownReplicas:       d.state.Len(),
	}
}

// Topology returns the last topology snapshot and selection
func (d *DomainService) Topology() TopologyView {
	d.topoMu.RLock()
	snapshot := d.topology
	d.topoMu.RUnlock()

	view := TopologyView{
		Domain:      d.cfg.BaseDN,
		Snapshot:    snapshot,
		Evaluations: d.broker.LastResult().Evaluations,
	}
	if rs, ok := d.broker.Current(); ok {
		view.Connected = true
		info := rs.RSInfo
		view.Current = &info
	}
	return view
}

// OnTopologyChange re-runs the selection against a new snapshot and fails
// over when a better replication server appears.
func (d *DomainService) OnTopologyChange(ctx context.Context, snapshot *model.TopologySnapshot) {
	d.topoMu.Lock()
	d.topology = snapshot
	d.topoMu.Unlock()

	candidates := make([]algorithm.ReplicationServerInfo, 0, len(snapshot.ReplicationServers))
	for _, rs := range snapshot.ReplicationServers {
		candidates = append(candidates, algorithm.ReplicationServerInfo{RSInfo: rs, State: snapshot.States[rs.ID]})
	}
	if len(candidates) == 0 {
		return
	}

	switched, err := d.broker.Failover(ctx, d.state.Duplicate(), candidates)
	if err != nil {
		d.logger.Warn("Failover failed", zap.Error(err))
		return
	}
	if switched {
		d.catchUp(ctx)
	}
}

// preOperation assigns the change number and entryuuid of local operations
func (d *DomainService) preOperation(ctx context.Context, op *plugin.Operation) plugin.Result {
	if op.Replicated {
		return plugin.Continue()
	}
	if d.cfg.IsolationPolicy == config.IsolationReject && d.Isolated() {
		return plugin.StopOperation(plugin.ResultCodeUnwillingToPerform,
			"no replication server reachable for "+d.cfg.BaseDN)
	}

	op.ChangeNumber = d.generator.Generate()
	if op.Kind == plugin.OperationAdd && op.EntryUUID == "" {
		if op.Entry != nil && model.IsValidEntryUUID(op.Entry.EntryUUID()) {
			op.EntryUUID = op.Entry.EntryUUID()
		} else {
			op.EntryUUID = model.NewEntryUUID()
		}
	}
	return plugin.Continue()
}

// checkReplicated rejects replicated operations outside the domain
func (d *DomainService) checkReplicated(ctx context.Context, op *plugin.Operation) plugin.Result {
	if !model.IsDescendantOrSelf(op.DN, d.cfg.BaseDN) {
		return plugin.StopOperation(plugin.ResultCodeUnwillingToPerform, "entry outside of "+d.cfg.BaseDN)
	}
	if op.EntryUUID != "" && !model.IsValidEntryUUID(op.EntryUUID) {
		return plugin.StopOperation(plugin.ResultCodeOperationsError, "invalid entryuuid "+op.EntryUUID)
	}
	return plugin.Continue()
}

func (d *DomainService) checkDN(dn string) error {
	if dn == "" || !model.IsDescendantOrSelf(dn, d.cfg.BaseDN) {
		return errors.InvalidArgument(fmt.Sprintf("%q is not below %q", dn, d.cfg.BaseDN), nil)
	}
	return nil
}

// runLocal drives a local operation through the plugin phases. apply does
// the backend change and returns the message to publish.
func (d *DomainService) runLocal(ctx context.Context, op *plugin.Operation, apply func() (protocol.UpdateMsg, error)) (model.ChangeNumber, error) {
	kind := op.Kind.String()

	for _, phase := range []plugin.Phase{plugin.PhasePreParse, plugin.PhasePreOperation} {
		if result := d.plugins.Invoke(ctx, op.Kind, phase, op); result.Stopped() {
			d.metrics.RecordLocalOperation(kind, outcomeRejected)
			return model.ChangeNumber{}, result.Err()
		}
	}

	d.mu.Lock()
	msg, err := apply()
	if err == nil {
		d.state.Update(op.ChangeNumber)
		d.dirty.Store(true)
	}
	d.mu.Unlock()

	if err != nil {
		d.metrics.RecordLocalOperation(kind, outcomeFailed)
		return model.ChangeNumber{}, err
	}
	d.metrics.RecordLocalOperation(kind, "success")

	op.Message = msg
	if result := d.plugins.Invoke(ctx, op.Kind, plugin.PhasePostOperation, op); result.Stopped() {
		d.logger.Warn("Post operation plugin stopped an applied operation",
			zap.String("dn", op.DN),
			zap.Error(result.Err()))
	}

	if err := d.broker.Publish(ctx, msg); err != nil {
		// the change stays in history and is resent on the next catch up
		d.logger.Warn("Failed to publish local change",
			zap.String("dn", op.DN),
			zap.Stringer("csn", op.ChangeNumber),
			zap.Error(err))
	}

	d.plugins.Invoke(ctx, op.Kind, plugin.PhasePostResponse, op)
	return op.ChangeNumber, nil
}

func (d *DomainService) header(op *plugin.Operation) protocol.UpdateHeader {
	return protocol.UpdateHeader{
		ChangeNumber:  op.ChangeNumber,
		DN:            op.DN,
		EntryUUID:     op.EntryUUID,
		Assured:       d.cfg.Assured,
		SafeDataLevel: d.cfg.SafeDataLevel,
	}
}

func (d *DomainService) parentUUID(ctx context.Context, dn string) string {
	parent := model.ParentDN(dn)
	if parent == "" {
		return ""
	}
	entry, err := d.entries.Get(ctx, parent)
	if err != nil {
		return ""
	}
	return entry.EntryUUID()
}

// Add creates an entry
func (d *DomainService) Add(ctx context.Context, entry *model.Entry) (model.ChangeNumber, error) {
	if entry == nil {
		return model.ChangeNumber{}, errors.InvalidArgument("nil entry", nil)
	}
	if err := d.checkDN(entry.DN); err != nil {
		return model.ChangeNumber{}, err
	}

	op := &plugin.Operation{Kind: plugin.OperationAdd, DN: entry.DN, Entry: entry.Clone()}
	return d.runLocal(ctx, op, func() (protocol.UpdateMsg, error) {
		if _, err := d.entries.Get(ctx, op.DN); err == nil {
			return nil, errors.EntryExists(op.DN)
		}

		created := op.Entry.Clone()
		created.DN = op.DN
		created.RemoveAttribute(model.HistoricalAttributeName)
		created.SetEntryUUID(op.EntryUUID)

		hist := historical.New(d.schema)
		hist.SetAdd(op.ChangeNumber, op.EntryUUID)
		hist.WriteTo(created)

		if err := d.entries.Put(ctx, created); err != nil {
			return nil, err
		}
		return &protocol.AddMsg{
			Header:     d.header(op),
			ParentUUID: d.parentUUID(ctx, op.DN),
			Attributes: created.UserAttributes(),
		}, nil
	})
}

// Modify applies modifications to an entry
func (d *DomainService) Modify(ctx context.Context, dn string, mods []model.Modification) (model.ChangeNumber, error) {
	if err := d.checkDN(dn); err != nil {
		return model.ChangeNumber{}, err
	}

	op := &plugin.Operation{Kind: plugin.OperationModify, DN: dn, Modifications: mods}
	return d.runLocal(ctx, op, func() (protocol.UpdateMsg, error) {
		entry, err := d.entries.Get(ctx, op.DN)
		if err != nil {
			return nil, err
		}
		hist, err := d.loadHistory(entry)
		if err != nil {
			return nil, err
		}
		if err := hist.ProcessLocalModify(op.ChangeNumber, op.Modifications); err != nil {
			return nil, err
		}

		entry.ApplyModifications(op.Modifications)
		hist.WriteTo(entry)
		if err := d.entries.Put(ctx, entry); err != nil {
			return nil, err
		}

		op.EntryUUID = entry.EntryUUID()
		return &protocol.ModifyMsg{Header: d.header(op), Modifications: op.Modifications}, nil
	})
}

// Delete removes an entry
func (d *DomainService) Delete(ctx context.Context, dn string) (model.ChangeNumber, error) {
	if err := d.checkDN(dn); err != nil {
		return model.ChangeNumber{}, err
	}

	op := &plugin.Operation{Kind: plugin.OperationDelete, DN: dn}
	return d.runLocal(ctx, op, func() (protocol.UpdateMsg, error) {
		entry, err := d.entries.Get(ctx, op.DN)
		if err != nil {
			return nil, err
		}
		if err := d.entries.Delete(ctx, op.DN); err != nil {
			return nil, err
		}
		op.EntryUUID = entry.EntryUUID()
		return &protocol.DeleteMsg{Header: d.header(op)}, nil
	})
}

// ModifyDN renames an entry, optionally moving it below newSuperior
func (d *DomainService) ModifyDN(ctx context.Context, dn, newRDN string, deleteOldRDN bool, newSuperior string) (model.ChangeNumber, error) {
	if err := d.checkDN(dn); err != nil {
		return model.ChangeNumber{}, err
	}
	if len(model.RDNValues(newRDN)) == 0 {
		return model.ChangeNumber{}, errors.InvalidArgument("invalid rdn "+newRDN, nil)
	}
	if newSuperior != "" {
		if err := d.checkDN(newSuperior); err != nil {
			return model.ChangeNumber{}, err
		}
	}

	op := &plugin.Operation{
		Kind:         plugin.OperationModifyDN,
		DN:           dn,
		NewRDN:       newRDN,
		DeleteOldRDN: deleteOldRDN,
		NewSuperior:  newSuperior,
	}
	return d.runLocal(ctx, op, func() (protocol.UpdateMsg, error) {
		entry, err := d.entries.Get(ctx, op.DN)
		if err != nil {
			return nil, err
		}
		hist, err := d.loadHistory(entry)
		if err != nil {
			return nil, err
		}

		newDN := renamedDN(op.DN, op.NewRDN, op.NewSuperior)
		if _, err := d.entries.Get(ctx, newDN); err == nil && model.NormalizeDN(newDN) != model.NormalizeDN(op.DN) {
			return nil, errors.EntryExists(newDN)
		}

		hist.SetModDN(op.ChangeNumber)
		if err := d.rename(ctx, entry, newDN, op.DeleteOldRDN, hist); err != nil {
			return nil, err
		}

		op.EntryUUID = entry.EntryUUID()
		var superiorUUID string
		if op.NewSuperior != "" {
			superiorUUID = d.parentUUID(ctx, newDN)
		}
		return &protocol.ModifyDNMsg{
			Header:          d.header(op),
			NewRDN:          op.NewRDN,
			DeleteOldRDN:    op.DeleteOldRDN,
			NewSuperior:     op.NewSuperior,
			NewSuperiorUUID: superiorUUID,
		}, nil
	})
}

// rename moves entry to newDN, fixes the naming attribute values and stores
// the history. entry is updated in place.
func (d *DomainService) rename(ctx context.Context, entry *model.Entry, newDN string, deleteOldRDN bool, hist *historical.Historical) error {
	oldDN := entry.DN
	if err := d.entries.Rename(ctx, oldDN, newDN); err != nil {
		return err
	}

	if deleteOldRDN {
		for _, av := range model.RDNValues(oldDN) {
			entry.RemoveValues(av.Name, av.Values...)
		}
	}
	for _, av := range model.RDNValues(newDN) {
		entry.AddValues(av.Name, av.Values...)
	}

	entry.DN = newDN
	hist.WriteTo(entry)
	return d.entries.Put(ctx, entry)
}

func (d *DomainService) loadHistory(entry *model.Entry) (*historical.Historical, error) {
	hist, err := historical.Load(entry, d.schema)
	if err != nil {
		d.metrics.RecordDecodeError("historical")
		return nil, err
	}
	return hist, nil
}

// ReplayFrame decodes a frame received from the replication server and replays it
func (d *DomainService) ReplayFrame(ctx context.Context, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		d.metrics.RecordDecodeError("replay")
		d.logger.Warn("Dropping undecodable frame", zap.Error(err))
		return err
	}
	update, ok := msg.(protocol.UpdateMsg)
	if !ok {
		return errors.InvalidArgument("not an update message: "+msg.Type().String(), nil)
	}
	return d.Replay(ctx, update)
}

// Replay applies an update made on another replica, resolving conflicts
// against the local history. Updates the ServerState already covers are ignored.
func (d *DomainService) Replay(ctx context.Context, msg protocol.UpdateMsg) error {
	start := time.Now()
	cn := msg.GetChangeNumber()
	kind := msg.Type().String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Cover(cn) {
		d.metrics.RecordReplay(kind, outcomeDuplicate, time.Since(start).Seconds())
		return nil
	}

	op := &plugin.Operation{
		Kind:         operationKind(msg),
		DN:           msg.GetDN(),
		ChangeNumber: cn,
		EntryUUID:    msg.GetEntryUUID(),
		Replicated:   true,
		Message:      msg,
	}
	if result := d.plugins.Invoke(ctx, op.Kind, plugin.PhaseConflict, op); result.Stopped() {
		d.markReplayed(cn)
		d.metrics.RecordReplay(kind, outcomeRejected, time.Since(start).Seconds())
		return result.Err()
	}

	var (
		outcome string
		err     error
	)
	switch m := msg.(type) {
	case *protocol.AddMsg:
		outcome, err = d.replayAdd(ctx, m)
	case *protocol.ModifyMsg:
		outcome, err = d.replayModify(ctx, m)
	case *protocol.DeleteMsg:
		outcome, err = d.replayDelete(ctx, m)
	case *protocol.ModifyDNMsg:
		outcome, err = d.replayModifyDN(ctx, m)
	default:
		err = errors.InvalidArgument("unsupported update "+kind, nil)
	}
	if err != nil {
		d.metrics.RecordReplay(kind, outcomeFailed, time.Since(start).Seconds())
		return fmt.Errorf("failed to replay %s %s on %s: %w", kind, cn, msg.GetDN(), err)
	}

	d.markReplayed(cn)
	d.metrics.RecordReplay(kind, outcome, time.Since(start).Seconds())
	d.logger.Debug("Replayed update",
		zap.String("kind", kind),
		zap.String("dn", msg.GetDN()),
		zap.Stringer("csn", cn),
		zap.String("outcome", outcome))
	return nil
}

func (d *DomainService) markReplayed(cn model.ChangeNumber) {
	d.state.Update(cn)
	d.generator.Adjust(cn)
	d.dirty.Store(true)
}

func operationKind(msg protocol.UpdateMsg) plugin.OperationKind {
	switch msg.(type) {
	case *protocol.AddMsg:
		return plugin.OperationAdd
	case *protocol.DeleteMsg:
		return plugin.OperationDelete
	case *protocol.ModifyDNMsg:
		return plugin.OperationModifyDN
	default:
		return plugin.OperationModify
	}
}

// findTarget locates the entry an update is about, by entryuuid first so
// that renamed entries are still found.
func (d *DomainService) findTarget(ctx context.Context, dn, entryUUID string) (*model.Entry, error) {
	if entryUUID != "" {
		entry, err := d.entries.FindByUUID(ctx, entryUUID)
		if err == nil {
			return entry, nil
		}
		if errors.GetCode(err) != errors.ErrCodeEntryNotFound {
			return nil, err
		}
	}

	entry, err := d.entries.Get(ctx, dn)
	if err != nil {
		return nil, err
	}
	if entryUUID != "" && entry.EntryUUID() != "" && entry.EntryUUID() != entryUUID {
		return nil, errors.EntryNotFound(dn).WithDetail("entryuuid", entryUUID)
	}
	return entry, nil
}

func isNotFound(err error) bool {
	return errors.GetCode(err) == errors.ErrCodeEntryNotFound
}

func (d *DomainService) replayAdd(ctx context.Context, m *protocol.AddMsg) (string, error) {
	cn := m.Header.ChangeNumber
	uuid := m.Header.EntryUUID

	if uuid != "" {
		if _, err := d.entries.FindByUUID(ctx, uuid); err == nil {
			return outcomeDuplicate, nil
		}
	}

	dn := m.Header.DN
	if m.ParentUUID != "" {
		// the parent may have been renamed since the add was made
		if parent, err := d.entries.FindByUUID(ctx, m.ParentUUID); err == nil {
			dn = model.RDN(dn) + "," + parent.DN
		}
	}

	existing, err := d.entries.Get(ctx, dn)
	switch {
	case err == nil:
		hist, herr := d.loadHistory(existing)
		if herr != nil {
			return "", herr
		}
		held := hist.AddChangeNumber()
		if held == nil || held.Older(&cn) {
			d.metrics.RecordConflict(outcomeDropped, "entry", 1)
			d.logger.Debug("Dropping add of an entry that already exists",
				zap.String("dn", dn),
				zap.String("entryuuid", uuid),
				zap.String("existing_entryuuid", existing.EntryUUID()))
			return outcomeDropped, nil
		}
		if err := d.renameConflicting(ctx, existing, hist); err != nil {
			return "", err
		}
	case !isNotFound(err):
		return "", err
	}

	entry := m.ToEntry()
	entry.DN = dn
	hist := historical.New(d.schema)
	hist.SetAdd(cn, uuid)
	hist.WriteTo(entry)
	if err := d.entries.Put(ctx, entry); err != nil {
		return "", err
	}
	if existing != nil {
		return outcomeResolved, nil
	}
	return outcomeApplied, nil
}

// renameConflicting moves a newer entry aside so an older entry can take its DN
func (d *DomainService) renameConflicting(ctx context.Context, entry *model.Entry, hist *historical.Historical) error {
	conflictDN := fmt.Sprintf("%s=%s+%s", model.EntryUUIDAttributeName, entry.EntryUUID(), model.RDN(entry.DN))
	if parent := model.ParentDN(entry.DN); parent != "" {
		conflictDN += "," + parent
	}
	entry.SetValues(ConflictAttributeName, entry.DN)

	oldDN := entry.DN
	if err := d.entries.Rename(ctx, oldDN, conflictDN); err != nil {
		return err
	}
	entry.DN = conflictDN
	hist.WriteTo(entry)
	if err := d.entries.Put(ctx, entry); err != nil {
		return err
	}

	d.metrics.RecordConflict("renamed", "entry", 1)
	d.logger.Info("Renamed conflicting entry",
		zap.String("dn", oldDN),
		zap.String("conflict_dn", conflictDN))
	return nil
}

func (d *DomainService) replayModify(ctx context.Context, m *protocol.ModifyMsg) (string, error) {
	entry, err := d.findTarget(ctx, m.Header.DN, m.Header.EntryUUID)
	if isNotFound(err) {
		d.metrics.RecordConflict(outcomeDropped, "modify", len(m.Modifications))
		return outcomeNotFound, nil
	}
	if err != nil {
		return "", err
	}

	outcome, err := d.applyReplayedMods(entry, m.Header.ChangeNumber, m.Modifications)
	if err != nil {
		return "", err
	}
	if err := d.entries.Put(ctx, entry); err != nil {
		return "", err
	}
	return outcome, nil
}

// applyReplayedMods runs the conflict engine over mods and applies what
// survives to entry, history included.
func (d *DomainService) applyReplayedMods(entry *model.Entry, cn model.ChangeNumber, mods []model.Modification) (string, error) {
	hist, err := d.loadHistory(entry)
	if err != nil {
		return "", err
	}
	effective, err := hist.ReplayModify(cn, mods, entry)
	if err != nil {
		return "", err
	}
	entry.ApplyModifications(effective)
	hist.WriteTo(entry)

	if dropped := len(mods) - len(effective); dropped > 0 {
		d.metrics.RecordConflict(outcomeDropped, "modify", dropped)
		d.logger.Debug("Dropped conflicting modifications",
			zap.String("dn", entry.DN),
			zap.Stringer("csn", cn),
			zap.Int("dropped", dropped))
		return outcomeResolved, nil
	}
	if !sameModifications(mods, effective) {
		d.metrics.RecordConflict("rewritten", "modify", 1)
		return outcomeResolved, nil
	}
	return outcomeApplied, nil
}

func sameModifications(a, b []model.Modification) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || len(a[i].Values) != len(b[i].Values) ||
			model.NormalizeAttributeName(a[i].Attribute) != model.NormalizeAttributeName(b[i].Attribute) {
			return false
		}
	}
	return true
}

func (d *DomainService) replayDelete(ctx context.Context, m *protocol.DeleteMsg) (string, error) {
	entry, err := d.findTarget(ctx, m.Header.DN, m.Header.EntryUUID)
	if isNotFound(err) {
		return outcomeNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if m.Header.EntryUUID != "" && entry.EntryUUID() != m.Header.EntryUUID {
		d.metrics.RecordConflict(outcomeDropped, "entry", 1)
		return outcomeDropped, nil
	}
	if err := d.entries.Delete(ctx, entry.DN); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (d *DomainService) replayModifyDN(ctx context.Context, m *protocol.ModifyDNMsg) (string, error) {
	cn := m.Header.ChangeNumber
	entry, err := d.findTarget(ctx, m.Header.DN, m.Header.EntryUUID)
	if isNotFound(err) {
		return outcomeNotFound, nil
	}
	if err != nil {
		return "", err
	}

	hist, err := d.loadHistory(entry)
	if err != nil {
		return "", err
	}
	if cn.Older(hist.ModDNChangeNumber()) {
		d.metrics.RecordConflict(outcomeDropped, "entry", 1)
		d.logger.Debug("Dropping rename older than the last rename",
			zap.String("dn", entry.DN),
			zap.Stringer("csn", cn))
		return outcomeDropped, nil
	}

	superior := m.NewSuperior
	if m.NewSuperiorUUID != "" {
		if parent, err := d.entries.FindByUUID(ctx, m.NewSuperiorUUID); err == nil {
			superior = parent.DN
		}
	}
	newDN := renamedDN(entry.DN, m.NewRDN, superior)

	outcome := outcomeApplied
	if taken, err := d.entries.Get(ctx, newDN); err == nil && taken.EntryUUID() != entry.EntryUUID() {
		newDN = fmt.Sprintf("%s=%s+%s", model.EntryUUIDAttributeName, entry.EntryUUID(), m.NewRDN)
		if parent := model.ParentDN(renamedDN(entry.DN, m.NewRDN, superior)); parent != "" {
			newDN += "," + parent
		}
		entry.SetValues(ConflictAttributeName, renamedDN(entry.DN, m.NewRDN, superior))
		d.metrics.RecordConflict("renamed", "entry", 1)
		outcome = outcomeResolved
	}

	if len(m.Modifications) > 0 {
		modOutcome, err := d.applyReplayedMods(entry, cn, m.Modifications)
		if err != nil {
			return "", err
		}
		if modOutcome == outcomeResolved {
			outcome = outcomeResolved
		}
		if hist, err = d.loadHistory(entry); err != nil {
			return "", err
		}
	}

	hist.SetModDN(cn)
	if err := d.rename(ctx, entry, newDN, m.DeleteOldRDN, hist); err != nil {
		return "", err
	}
	return outcome, nil
}

func renamedDN(dn, newRDN, newSuperior string) string {
	parent := newSuperior
	if parent == "" {
		parent = model.ParentDN(dn)
	}
	if parent == "" {
		return newRDN
	}
	return newRDN + "," + parent
}
