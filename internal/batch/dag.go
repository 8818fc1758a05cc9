package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// fragmentGraph is the dependency structure of one fragment batch. Hints
// naming fragments outside the batch are treated as already satisfied.
type fragmentGraph struct {
	nodes    map[string]*types.ChangeFragment
	order    []string            // submission order, for stable waves
	edges    map[string][]string // dependency id -> dependent ids
	indegree map[string]int
}

func buildFragmentGraph(frags []*types.ChangeFragment) *fragmentGraph {
	g := &fragmentGraph{
		nodes:    make(map[string]*types.ChangeFragment, len(frags)),
		edges:    make(map[string][]string),
		indegree: make(map[string]int, len(frags)),
	}
	for _, f := range frags {
		g.nodes[f.ID] = f
		g.order = append(g.order, f.ID)
		g.indegree[f.ID] = 0
	}
	for _, f := range frags {
		for _, dep := range f.DependencyHints {
			if _, ok := g.nodes[dep]; !ok {
				continue // outside the batch: satisfied
			}
			g.edges[dep] = append(g.edges[dep], f.ID)
			g.indegree[f.ID]++
		}
	}
	return g
}

// cycles finds dependency cycles by depth-first traversal with recursion
// stack marking. Each cycle is reported once as the ids along its path.
func (g *fragmentGraph) cycles() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var found [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range g.edges[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: the cycle is the stack suffix from next.
				for i, s := range stack {
					if s == next {
						found = append(found, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
	return found
}

// ProcessChangeFragments applies a fragment batch in dependency order.
// Fragments are grouped into waves of currently satisfied nodes; each wave
// claims a fresh epoch and commits its entity fragments before its
// relationship fragments. Cycles are reported, their members (and anything
// depending on them) counted failed, and the rest of the batch proceeds.
func (p *Processor) ProcessChangeFragments(ctx context.Context, frags []*types.ChangeFragment, opts storage.UpsertOptions) (*types.BatchResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.inflight.Done()

	start := p.clk.Now()
	meta := types.BatchMetadata{
		ID: p.ids.NewBatchID(), Type: types.BatchFragments, Size: len(frags),
		Priority: types.DefaultBatchPriority, CreatedAt: start, Namespace: opts.Namespace,
	}
	if len(frags) == 0 {
		return &types.BatchResult{BatchID: meta.ID, Success: true, Metadata: meta}, nil
	}

	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = FragmentBatchKey(frags)
	}
	if cached, ok := p.cache.get(opts.IdempotencyKey, start); ok {
		p.log.Debug("replayed cached batch result", "batch_id", cached.BatchID, "key", opts.IdempotencyKey)
		return cached, nil
	}

	res := &types.BatchResult{BatchID: meta.ID, Metadata: meta}

	if !p.dagEnabled {
		p.processWave(ctx, meta.ID, frags, res, opts, nil)
		meta.EpochID = p.Epoch()
	} else {
		p.processDAG(ctx, meta.ID, frags, res, opts)
		meta.EpochID = p.Epoch()
	}
	res.Metadata = meta
	res.Success = res.FailedCount == 0
	res.Duration = p.clk.Now().Sub(start)
	p.cache.put(opts.IdempotencyKey, res, start.Add(p.idempotencyTTL))
	return res, nil
}

func (p *Processor) processDAG(ctx context.Context, batchID string, frags []*types.ChangeFragment, res *types.BatchResult, opts storage.UpsertOptions) {
	g := buildFragmentGraph(frags)

	if cycles := g.cycles(); len(cycles) > 0 {
		for _, cyc := range cycles {
			sorted := append([]string(nil), cyc...)
			sort.Strings(sorted)
			msg := fmt.Sprintf("dependency cycle among fragments [%s]", strings.Join(sorted, " "))
			p.log.Error("fragment dependency cycle detected", "batch_id", batchID, "fragments", sorted)
			res.Errors = append(res.Errors, msg)
		}
	}

	done := make(map[string]bool, len(g.nodes))
	failed := make(map[string]bool)

	for {
		var wave []*types.ChangeFragment
		for _, id := range g.order {
			if done[id] || failed[id] || g.indegree[id] > 0 {
				continue
			}
			f := g.nodes[id]
			if depFailed(f, failed) {
				failed[id] = true
				res.FailedCount++
				res.Errors = append(res.Errors, fmt.Sprintf("fragment %s skipped: dependency failed", id))
				p.releaseDependents(g, id)
				continue
			}
			wave = append(wave, f)
		}
		if len(wave) == 0 {
			break
		}

		waveRes := &types.BatchResult{BatchID: batchID}
		waveFailed := make(map[string]bool)
		p.processWave(ctx, batchID, wave, waveRes, opts, waveFailed)
		res.ProcessedCount += waveRes.ProcessedCount
		res.FailedCount += waveRes.FailedCount
		res.Errors = append(res.Errors, waveRes.Errors...)

		for _, f := range wave {
			done[f.ID] = true
			if waveFailed[f.ID] {
				failed[f.ID] = true
			}
			p.releaseDependents(g, f.ID)
		}
		settled := len(done)
		for id := range failed {
			if !done[id] {
				settled++
			}
		}
		p.publishProgress(ctx, batchID, settled, len(frags))
	}

	// Anything not reached is stuck behind a cycle.
	stuck := 0
	for _, id := range g.order {
		if !done[id] && !failed[id] {
			stuck++
		}
	}
	if stuck > 0 {
		p.log.Error("fragment waves deadlocked, unprocessed fragments remain",
			"batch_id", batchID, "remaining", stuck)
		res.FailedCount += stuck
		res.Errors = append(res.Errors, fmt.Sprintf("%d fragments unprocessed: blocked by dependency cycle", stuck))
	}
}

func (p *Processor) releaseDependents(g *fragmentGraph, id string) {
	for _, dep := range g.edges[id] {
		g.indegree[dep]--
	}
	g.edges[id] = nil
}

func depFailed(f *types.ChangeFragment, failed map[string]bool) bool {
	for _, dep := range f.DependencyHints {
		if failed[dep] {
			return true
		}
	}
	return false
}

func markFailed(failed map[string]bool, id string) {
	if failed != nil {
		failed[id] = true
	}
}

// processWave commits one wave under a single epoch: entity fragments first,
// then relationship fragments, so edges never reference entities committed
// later in the same wave. Fragments that fail are recorded in failed (when
// non-nil) by exact id, so the DAG loop can cascade to their dependents.
func (p *Processor) processWave(ctx context.Context, batchID string, wave []*types.ChangeFragment, res *types.BatchResult, opts storage.UpsertOptions, failed map[string]bool) {
	epoch := p.claimEpoch()

	var entUpserts []*types.Entity
	var entFrags []*types.ChangeFragment
	var relUpserts []*types.Relationship
	var relFrags []*types.ChangeFragment
	var removals []*types.ChangeFragment

	for _, f := range wave {
		switch {
		case f.Kind == types.FragmentEntity && f.Op != types.OpRemove:
			if f.Entity == nil {
				res.FailedCount++
				res.Errors = append(res.Errors, fmt.Sprintf("fragment %s invalid: entity payload missing", f.ID))
				markFailed(failed, f.ID)
				continue
			}
			entUpserts = append(entUpserts, f.Entity)
			entFrags = append(entFrags, f)
		case f.Kind == types.FragmentEntity:
			removals = append(removals, f)
		case f.Kind == types.FragmentRelationship && f.Op != types.OpRemove:
			if f.Relationship == nil {
				res.FailedCount++
				res.Errors = append(res.Errors, fmt.Sprintf("fragment %s invalid: relationship payload missing", f.ID))
				markFailed(failed, f.ID)
				continue
			}
			relUpserts = append(relUpserts, f.Relationship)
			relFrags = append(relFrags, f)
		default:
			if f.Relationship == nil {
				res.FailedCount++
				res.Errors = append(res.Errors, fmt.Sprintf("fragment %s invalid: relationship payload missing", f.ID))
				markFailed(failed, f.ID)
				continue
			}
			removals = append(removals, f)
		}
	}

	if len(entUpserts) > 0 {
		ur, err := p.upsertEntities(ctx, epoch, entUpserts, opts)
		p.foldFragmentResult(ctx, batchID, entFrags, ur, err, res, failed)
	}

	if len(relUpserts) > 0 {
		var resolved []*types.Relationship
		var keptFrags []*types.ChangeFragment
		for i, r := range relUpserts {
			cp := r.Clone()
			if cp.FromID == "" && cp.From != nil {
				cp.FromID = cp.From.ID
			}
			if cp.ToID == "" && cp.To != nil {
				cp.ToID = cp.To.ID
			}
			if cp.FromID == "" || cp.ToID == "" {
				p.log.Warn("dropping relationship fragment with unresolvable endpoint",
					"fragment", relFrags[i].ID, "from", cp.FromID, "to", cp.ToID)
				res.FailedCount++
				res.Errors = append(res.Errors, fmt.Sprintf("fragment %s failed: unresolvable endpoint", relFrags[i].ID))
				markFailed(failed, relFrags[i].ID)
				continue
			}
			resolved = append(resolved, cp)
			keptFrags = append(keptFrags, relFrags[i])
		}
		if len(resolved) > 0 {
			ur, err := p.upsertRelationships(ctx, epoch, resolved, opts)
			p.foldFragmentResult(ctx, batchID, keptFrags, ur, err, res, failed)
		}
	}

	for _, f := range removals {
		if err := p.applyRemoval(ctx, epoch, f, opts); err != nil {
			res.FailedCount++
			res.Errors = append(res.Errors, fmt.Sprintf("fragment %s failed: %v", f.ID, err))
			markFailed(failed, f.ID)
			continue
		}
		res.ProcessedCount++
	}
}

func (p *Processor) foldFragmentResult(ctx context.Context, batchID string, frags []*types.ChangeFragment, ur *storage.UpsertResult, err error, res *types.BatchResult, failed map[string]bool) {
	if err != nil {
		perr := &types.BatchProcessingError{BatchID: batchID, Items: len(frags), Cause: err}
		p.log.Error("fragment wave commit failed", "batch_id", batchID, "items", len(frags), "error", err)
		res.FailedCount += len(frags)
		for _, f := range frags {
			res.Errors = append(res.Errors, fmt.Sprintf("fragment %s failed: %v", f.ID, perr.Cause))
			markFailed(failed, f.ID)
		}
		return
	}
	res.ProcessedCount += len(frags)
	for _, c := range ur.Conflicts {
		p.publishConflict(ctx, c)
	}
}

// applyRemoval handles an OpRemove fragment: entities are deleted,
// relationships are deactivated in place.
func (p *Processor) applyRemoval(ctx context.Context, epoch types.Epoch, f *types.ChangeFragment, opts storage.UpsertOptions) error {
	switch f.Kind {
	case types.FragmentEntity:
		if f.Entity == nil {
			return fmt.Errorf("entity payload missing")
		}
		return p.withRetry(ctx, func(cctx context.Context) error {
			_, err := p.store.DeleteEntity(cctx, f.Entity.ID, epoch)
			return err
		})
	default:
		cp := f.Relationship.Clone()
		if cp.FromID == "" && cp.From != nil {
			cp.FromID = cp.From.ID
		}
		if cp.ToID == "" && cp.To != nil {
			cp.ToID = cp.To.ID
		}
		now := p.clk.Now()
		cp.Active = false
		cp.ValidTo = &now
		return p.withRetry(ctx, func(cctx context.Context) error {
			_, err := p.store.UpsertRelationships(cctx, epoch, []*types.Relationship{cp}, opts)
			return err
		})
	}
}

func (p *Processor) publishProgress(ctx context.Context, batchID string, done, total int) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, eventbus.Event{
		Kind:      eventbus.Progress,
		Timestamp: p.clk.Now(),
		Payload: struct {
			BatchID string
			Done    int
			Total   int
		}{batchID, done, total},
	})
}
