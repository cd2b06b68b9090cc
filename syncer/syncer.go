// Package syncer keeps the index engine eventually consistent with the
// transaction log. One consume loop replays local transactions in log
// order; a slower big cycle refreshes federation configuration, sweeps
// remote peers, and re-resolves the indexing credential.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/docbuilder"
	"github.com/EUDAT-DTR/DTR-sub002/index"
	"github.com/EUDAT-DTR/DTR-sub002/metrics"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/snapshot"
	"github.com/EUDAT-DTR/DTR-sub002/txlog"
)

// Options tunes the sync engine.
type Options struct {
	RepoID string
	// BatchSize bounds the transactions applied per cycle.
	BatchSize      int
	UpdateInterval time.Duration
	// BigUpdateInterval is the period of the federation/credential cycle.
	BigUpdateInterval time.Duration
	// SuppressFile is an operator kill switch: while the file exists the
	// consume loop does nothing.
	SuppressFile string
	// StatusPath is where ScanStatus is persisted.
	StatusPath string

	FederationEnabled bool
	// FederationConfigObjectID is the object whose attribute lists the
	// peer addresses; re-read every big cycle.
	FederationConfigObjectID   string
	FederationTargetsAttribute string

	Logger *slog.Logger
}

// Syncer is the sync engine. All index writes in the process flow through
// it (consume loop, peer sweeps, on-demand reindex), so per-source
// ordering reduces to the loop's own sequencing.
type Syncer struct {
	log      txlog.Log
	store    objectstore.Store
	builder  docbuilder.Builder
	registry *snapshot.Registry
	marks    *core.Watermarks
	dialer   PeerDialer
	creds    CredentialSource
	opts     Options
	logger   *slog.Logger

	statusMu sync.Mutex
	status   *ScanStatus

	targetsMu sync.Mutex
	targets   []string

	dirty chan struct{}
	sub   *txlog.Subscription

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSyncer loads the persisted scan status and primes the watermarks
// from it. Dialer and creds may be nil when federation is disabled.
func NewSyncer(log txlog.Log, store objectstore.Store, builder docbuilder.Builder, registry *snapshot.Registry, marks *core.Watermarks, dialer PeerDialer, creds CredentialSource, opts Options) (*Syncer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	status, err := LoadScanStatus(opts.StatusPath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		log:      log,
		store:    store,
		builder:  builder,
		registry: registry,
		marks:    marks,
		dialer:   dialer,
		creds:    creds,
		opts:     opts,
		logger:   opts.Logger.With("component", "Syncer"),
		status:   status,
		dirty:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	marks.ReportIndexed(status.Self)
	marks.ReportSeen(log.LastTimestamp())
	return s, nil
}

// Start subscribes to the log and launches the consume loop.
func (s *Syncer) Start() {
	s.sub = s.log.Subscribe()
	s.wg.Add(2)
	go s.notifyLoop()
	go s.consumeLoop()
	s.logger.Info("Sync engine started.", "indexed_watermark", s.self())
}

// Stop cancels in-flight work, drains the loops and persists the scan
// status. Idempotent.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.sub != nil {
			s.sub.Cancel()
		}
		s.wg.Wait()
		s.PersistScanStatus()
		s.logger.Info("Sync engine stopped.")
	})
}

// notifyLoop turns per-transaction append notifications into seen
// watermark advances plus a consume-loop nudge.
func (s *Syncer) notifyLoop() {
	defer s.wg.Done()
	for tx := range s.sub.C {
		s.marks.ReportSeen(tx.Timestamp)
		s.nudge()
	}
}

func (s *Syncer) consumeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.UpdateInterval)
	defer ticker.Stop()
	big := time.NewTicker(s.opts.BigUpdateInterval)
	defer big.Stop()
	for {
		select {
		case <-s.dirty:
			s.runCycle(false)
		case <-ticker.C:
			s.runCycle(false)
		case <-big.C:
			s.runCycle(true)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Syncer) nudge() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Syncer) suppressed() bool {
	if s.opts.SuppressFile == "" {
		return false
	}
	_, err := os.Stat(s.opts.SuppressFile)
	return err == nil
}

func (s *Syncer) self() int64 {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status.Self
}

func (s *Syncer) runCycle(big bool) {
	if s.suppressed() {
		s.logger.Debug("Indexing is suppressed, skipping cycle.", "suppress_file", s.opts.SuppressFile)
		return
	}
	s.marks.ReportSeen(s.log.LastTimestamp())
	s.consume(s.ctx)
	if big {
		s.bigCycle(s.ctx)
	}
}

// consume drains the local log in bounded batches.
func (s *Syncer) consume(ctx context.Context) {
	for {
		applied, last, err := s.applyBatch(ctx)
		if err != nil {
			s.logger.Error("Batch replay failed, will retry on the next cycle.", "error", err)
			return
		}
		if last > s.self() {
			s.statusMu.Lock()
			s.status.Self = last
			s.statusMu.Unlock()
			// MarkDirty first: a freshness waiter woken by the indexed
			// watermark must find the pending publication already recorded.
			s.registry.MarkDirty(last)
			s.marks.ReportIndexed(last)
		}
		if applied < s.opts.BatchSize {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// applyBatch replays up to BatchSize transactions past the self
// watermark, in log order. Returns how many it saw and the timestamp of
// the last one.
func (s *Syncer) applyBatch(ctx context.Context) (int, int64, error) {
	cursor, err := s.log.ScanFrom(s.self())
	if err != nil {
		return 0, 0, fmt.Errorf("scanning transaction log: %w", err)
	}
	defer cursor.Close()

	applied := 0
	var last int64
	for applied < s.opts.BatchSize {
		tx, ok := cursor.Next()
		if !ok {
			break
		}
		applied++
		last = tx.Timestamp
		if !tx.TouchesDocument() {
			continue
		}
		s.applyTransaction(ctx, s.store, s.opts.RepoID, tx)
	}
	return applied, last, nil
}

// applyTransaction reflects one transaction in the index writer. A
// per-document derivation failure is logged and skipped so the batch
// keeps moving; the object is repaired on its next mutation or by the
// reindex sweeper.
func (s *Syncer) applyTransaction(ctx context.Context, store objectstore.Store, repoID string, tx core.Transaction) {
	var err error
	if tx.Action == core.ActionDeleteObject {
		err = s.deleteDocument(ctx, tx.ObjectID)
	} else {
		err = s.rebuildDocument(ctx, store, repoID, tx.ObjectID)
	}
	if err != nil {
		metrics.DocumentsSkipped.Inc()
		s.logger.Warn("Skipping document after a derivation failure.",
			"objectid", tx.ObjectID, "action", tx.Action.String(), "error", err)
		return
	}
	metrics.TransactionsIndexed.Inc()
}

// rebuildDocument derives the object's document and replaces it by id. An
// object that no longer exists is removed from the index instead.
func (s *Syncer) rebuildDocument(ctx context.Context, store objectstore.Store, repoID, objectID string) error {
	doc, err := s.builder.Build(ctx, store, repoID, objectID)
	if err != nil {
		if core.IsNotFound(err) {
			return s.deleteDocument(ctx, objectID)
		}
		return err
	}
	return s.registry.WithEngine(func(e index.Engine) error {
		return e.ReplaceDocument(ctx, doc)
	})
}

func (s *Syncer) deleteDocument(ctx context.Context, objectID string) error {
	return s.registry.WithEngine(func(e index.Engine) error {
		return e.DeleteDocument(ctx, objectID)
	})
}

// bigCycle re-resolves the indexing credential, refreshes the federation
// target list from the config object, and sweeps each peer.
func (s *Syncer) bigCycle(ctx context.Context) {
	if s.creds != nil {
		if err := s.creds.Refresh(ctx); err != nil {
			s.logger.Warn("Credential refresh failed, keeping the previous credential.", "error", err)
		}
	}
	if !s.opts.FederationEnabled || s.dialer == nil {
		return
	}
	s.refreshTargets(ctx)
	for _, addr := range s.Targets() {
		if err := s.sweepPeer(ctx, addr); err != nil {
			metrics.PeerSweepFailures.Inc()
			s.logger.Warn("Peer sweep failed, skipping the peer for this cycle.", "peer", addr, "error", err)
		}
	}
}

func (s *Syncer) refreshTargets(ctx context.Context) {
	attrs, err := s.store.GetAttributes(ctx, s.opts.FederationConfigObjectID)
	if err != nil {
		s.logger.Warn("Reading federation configuration failed, keeping previous targets.",
			"objectid", s.opts.FederationConfigObjectID, "error", err)
		return
	}
	targets := strings.Fields(attrs[s.opts.FederationTargetsAttribute])
	s.targetsMu.Lock()
	s.targets = targets
	s.targetsMu.Unlock()
}

// Targets returns the current federation target addresses. The search
// coordinator fans out to the same list the sweeper consumes.
func (s *Syncer) Targets() []string {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	out := make([]string, len(s.targets))
	copy(out, s.targets)
	return out
}

// sweepPeer pulls one peer's stream past the locally-recorded markers and
// applies it. Markers advance per transaction, only after the transaction
// has been fully applied, so a mid-stream failure resumes where it broke.
func (s *Syncer) sweepPeer(ctx context.Context, addr string) error {
	peer, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dialing peer: %w", err)
	}
	defer peer.Close()

	s.statusMu.Lock()
	since := make(map[string]int64)
	for server, ts := range s.status.peerMarkers(addr) {
		since[server] = ts
	}
	s.statusMu.Unlock()

	repoID, txs, err := peer.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("pulling peer transactions: %w", err)
	}

	applied := 0
	for _, ptx := range txs {
		if ptx.Tx.TouchesDocument() {
			if err := s.applyPeerTransaction(ctx, peer, repoID, ptx.Tx); err != nil {
				return err
			}
			applied++
		}
		s.statusMu.Lock()
		s.status.peerMarkers(addr)[ptx.ServerID] = ptx.Tx.Timestamp
		s.statusMu.Unlock()
	}
	if applied > 0 {
		s.registry.RequestReopen(false)
		s.logger.Info("Peer sweep applied transactions.", "peer", addr, "count", applied)
	}
	return nil
}

func (s *Syncer) applyPeerTransaction(ctx context.Context, peer Peer, repoID string, tx core.Transaction) error {
	if tx.Action == core.ActionDeleteObject {
		return s.deleteDocument(ctx, tx.ObjectID)
	}
	record, err := peer.FetchObject(ctx, tx.ObjectID)
	if err != nil {
		if core.IsNotFound(err) {
			return s.deleteDocument(ctx, tx.ObjectID)
		}
		return fmt.Errorf("fetching %s from peer: %w", tx.ObjectID, err)
	}
	return s.rebuildDocument(ctx, objectstore.RecordStore{Record: record}, repoID, tx.ObjectID)
}

// BlockUntilUpToDate is the freshness rendezvous: capture the seen
// watermark, wait for indexing to reach it, ask for an expedited reopen,
// then wait for the searchable watermark. Indexing progress and snapshot
// publication are two separate wait stages.
func (s *Syncer) BlockUntilUpToDate(ctx context.Context) error {
	ts := s.log.LastTimestamp()
	if ts == 0 {
		return nil
	}
	s.marks.ReportSeen(ts)
	s.nudge()
	if err := s.marks.WaitIndexed(ctx, ts); err != nil {
		return err
	}
	// ts is indexed by now, so it is always safe to publish; without this a
	// watermark restored from disk at startup would never become searchable.
	s.registry.MarkDirty(ts)
	s.registry.RequestReopen(true)
	return s.marks.WaitSearchable(ctx, ts)
}

// ReindexObject re-derives one object immediately and expedites a reopen
// so the result is searchable as soon as the debounce window allows.
func (s *Syncer) ReindexObject(ctx context.Context, objectID string) error {
	if err := s.rebuildDocument(ctx, s.store, s.opts.RepoID, objectID); err != nil {
		return err
	}
	s.registry.RequestReopen(true)
	return nil
}

// PersistScanStatus writes the scan status file. Wired as the registry's
// post-commit callback so the persisted watermark never runs ahead of the
// durable index state.
func (s *Syncer) PersistScanStatus() {
	s.statusMu.Lock()
	status := s.status.clone()
	s.statusMu.Unlock()
	if err := status.Save(s.opts.StatusPath); err != nil {
		s.logger.Error("Persisting scan status failed.", "error", err)
	}
}
