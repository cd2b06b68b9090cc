// Package search executes one query end to end: parse, freshness wait,
// snapshot acquisition, permission filtering, sorting, pagination, and
// optional federation fan-out.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/index"
	"github.com/EUDAT-DTR/DTR-sub002/metrics"
	"github.com/EUDAT-DTR/DTR-sub002/snapshot"
)

// DefaultMaxResults caps a single engine fetch when the caller asked for
// no explicit page.
const DefaultMaxResults = 1000

// FreshnessWaiter is the sync engine's read-your-writes rendezvous.
type FreshnessWaiter interface {
	BlockUntilUpToDate(ctx context.Context) error
}

// PeerSearcher dispatches one sub-search to a federation target,
// streaming its results into the sink.
type PeerSearcher interface {
	Search(ctx context.Context, address string, req core.SearchRequest, sink core.ResultSink) error
}

// Options tunes the coordinator.
type Options struct {
	MaxResults int
	// Insecure disables permission filtering; for trusted deployments
	// fronted by their own access control.
	Insecure bool
	Logger   *slog.Logger
}

// Coordinator runs searches against the snapshot registry. Targets
// supplies the current federation addresses; waiter, authz, peers and
// targets may each be nil, disabling the corresponding stage.
type Coordinator struct {
	registry *snapshot.Registry
	waiter   FreshnessWaiter
	authz    core.Authorizer
	peers    PeerSearcher
	targets  func() []string
	opts     Options
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewCoordinator(registry *snapshot.Registry, waiter FreshnessWaiter, authz core.Authorizer, peers PeerSearcher, targets func() []string, opts Options) *Coordinator {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		waiter:   waiter,
		authz:    authz,
		peers:    peers,
		targets:  targets,
		opts:     opts,
		tracer:   otel.Tracer("search"),
		logger:   opts.Logger.With("component", "SearchCoordinator"),
	}
}

// Search runs one request, streaming the info frame and result records
// into sink. Errors are ApplicationErrors for caller mistakes and wrapped
// engine errors otherwise; a peer failure never fails the request.
func (c *Coordinator) Search(ctx context.Context, req core.SearchRequest, sink core.ResultSink) error {
	ctx, span := c.tracer.Start(ctx, "SearchCoordinator.Search")
	defer span.End()
	metrics.Searches.Inc()

	if err := validate(req); err != nil {
		return err
	}
	if req.RequireUpToDate && c.waiter != nil {
		if err := c.waiter.BlockUntilUpToDate(ctx); err != nil {
			return fmt.Errorf("waiting for index freshness: %w", err)
		}
	}
	q, err := parseQuery(req.Query)
	if err != nil {
		return err
	}

	handle := c.registry.Acquire()
	if handle == nil {
		return &core.StorageError{Op: "acquiring snapshot", Err: errors.New("index is shut down")}
	}
	defer handle.Release()

	// A sort field the engine cannot natively order by forces an
	// application-level stable sort over the full match set.
	nativeSort := req.SortFields
	postSort := false
	for _, sf := range req.SortFields {
		if !c.registry.Sortable(sf.Field) {
			nativeSort = nil
			postSort = true
			break
		}
	}

	// Total counts and post-sorts both need every match; otherwise the
	// fetch is bounded and filtering may stop early.
	fullScan := req.GetTotalMatches || postSort
	fetchLimit := 0
	if !fullScan {
		fetchLimit = c.opts.MaxResults
		if want := (req.PageOffset + 1) * req.PageSize; want > fetchLimit {
			fetchLimit = want
		}
	}

	hits, err := handle.Snapshot().Search(ctx, q, nativeSort, fetchLimit)
	if err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	truncated := fetchLimit > 0 && len(hits) == fetchLimit

	kept, earlyStopped := c.filter(ctx, req, hits, fullScan)
	if postSort {
		sortHits(kept, req.SortFields)
	}

	start := req.PageOffset * req.PageSize
	page := kept
	if req.PageSize > 0 {
		if start >= len(kept) {
			page = nil
		} else if end := start + req.PageSize; end < len(kept) {
			page = kept[start:end]
		} else {
			page = kept[start:]
		}
	}

	info := core.QueryInfo{}
	if req.GetTotalMatches {
		info.TotalMatches = len(kept)
		info.HasTotalMatches = true
	}
	if req.PageSize > 0 {
		info.HasMore = true
		// The filtered list is authoritative when it is complete; an early
		// stop or a truncated fetch means more matches may exist.
		info.More = start+len(page) < len(kept) || earlyStopped || truncated
	}
	if err := sink.Info(info); err != nil {
		return err
	}
	for _, hit := range page {
		if err := sink.Hit(makeHit(hit, req.ReturnedFields)); err != nil {
			return err
		}
	}

	if req.Federate {
		c.federate(ctx, req, sink)
	}
	return nil
}

func validate(req core.SearchRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return &core.ApplicationError{Message: "query must not be empty"}
	}
	if req.Federate && (len(req.ReturnedFields) > 0 || len(req.SortFields) > 0 || req.PageSize > 0) {
		return &core.ApplicationError{Message: "federated search does not support returned fields, custom sorting, or pagination"}
	}
	return nil
}

// parseQuery parses the query string, retrying once with path separators
// escaped; object identifiers contain '/' and callers rarely escape it.
func parseQuery(query string) (*index.Query, error) {
	q, err := index.Parse(query)
	if err == nil {
		return q, nil
	}
	if strings.Contains(query, "/") {
		if q, retryErr := index.Parse(index.EscapeQuery(query)); retryErr == nil {
			return q, nil
		}
	}
	return nil, err
}

// filter applies the permission predicate in ranked order. Unless a full
// scan is required it stops once the requested page is covered.
func (c *Coordinator) filter(ctx context.Context, req core.SearchRequest, hits []index.Hit, fullScan bool) (kept []index.Hit, earlyStopped bool) {
	needed := 0
	if !fullScan && req.PageSize > 0 {
		needed = (req.PageOffset + 1) * req.PageSize
	}
	kept = make([]index.Hit, 0, len(hits))
	for i, hit := range hits {
		if !c.allowed(ctx, req.CallerID, hit.ObjectID) {
			continue
		}
		kept = append(kept, hit)
		if needed > 0 && len(kept) >= needed {
			earlyStopped = i+1 < len(hits)
			break
		}
	}
	return kept, earlyStopped
}

func (c *Coordinator) allowed(ctx context.Context, callerID, objectID string) bool {
	if c.opts.Insecure || c.authz == nil {
		return true
	}
	return c.authz.IsAllowed(ctx, callerID, objectID, "read")
}

// sortHits stable-sorts by the requested fields' first stored values,
// ties broken by object id.
func sortHits(hits []index.Hit, sortFields []core.SortField) {
	sort.SliceStable(hits, func(i, j int) bool {
		for _, sf := range sortFields {
			a := firstValue(hits[i].Fields, sf.Field)
			b := firstValue(hits[j].Fields, sf.Field)
			if a == b {
				continue
			}
			if sf.Order == core.SortDescending {
				return a > b
			}
			return a < b
		}
		return hits[i].ObjectID < hits[j].ObjectID
	})
}

func firstValue(fields map[string][]string, field string) string {
	for _, name := range core.FieldAliases(field) {
		if vs := fields[name]; len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// makeHit projects one engine hit to the emitted record, restricting the
// fields to the requested subset. Requested per-element names match both
// their escaped stored spelling and the unescaped logical alias.
func makeHit(hit index.Hit, returnedFields []string) core.SearchHit {
	out := core.SearchHit{
		ObjectID: hit.ObjectID,
		RepoID:   firstValue(hit.Fields, core.FieldRepoID),
		Score:    hit.Score,
	}
	if returnedFields == nil {
		out.Fields = make(map[string][]string, len(hit.Fields))
		for name, values := range hit.Fields {
			if strings.HasSuffix(name, core.ExactSuffix) {
				continue
			}
			out.Fields[name] = values
		}
		return out
	}
	out.Fields = make(map[string][]string, len(returnedFields))
	for _, requested := range returnedFields {
		for _, alias := range core.FieldAliases(requested) {
			if values, ok := hit.Fields[alias]; ok {
				out.Fields[requested] = values
				break
			}
		}
	}
	return out
}

// federate fans the query out to every configured peer, streaming each
// peer's records into the caller's sink as they arrive. Peer failures are
// logged and contribute no results.
func (c *Coordinator) federate(ctx context.Context, req core.SearchRequest, sink core.ResultSink) {
	if c.peers == nil || c.targets == nil {
		return
	}
	targets := c.targets()
	if len(targets) == 0 {
		return
	}
	sub := core.SearchRequest{
		Query:    req.Query,
		CallerID: req.CallerID,
	}
	shared := &lockedSink{inner: sink}
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range targets {
		addr := addr
		metrics.FederationFanouts.Inc()
		g.Go(func() error {
			if err := c.peers.Search(gctx, addr, sub, shared); err != nil {
				c.logger.Warn("Federated peer search failed, continuing without it.", "peer", addr, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// lockedSink serializes concurrent peer emissions into one sink and drops
// the peers' own info frames; the local info frame already went out.
type lockedSink struct {
	mu    sync.Mutex
	inner core.ResultSink
}

func (s *lockedSink) Info(info core.QueryInfo) error { return nil }

func (s *lockedSink) Hit(hit core.SearchHit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Hit(hit)
}
