package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/monitor"
	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

const (
	// rollbackPollInterval paces the completion poll in RollbackTo.
	rollbackPollInterval = time.Second
	// rollbackPollCap bounds how long RollbackTo waits before timing out.
	rollbackPollCap = 5 * time.Minute
)

// CreateRollbackPoint snapshots the graph and persists it as a named
// rollback point. ttl of zero means the point never expires.
func (c *Coordinator) CreateRollbackPoint(ctx context.Context, name, description string, ttl time.Duration) (*types.RollbackPoint, error) {
	if c.rb == nil {
		return nil, errors.New("rollback store not configured")
	}
	start := c.clk.Now()

	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot graph: %w", err)
	}

	pt := &types.RollbackPoint{
		ID:          c.ids.NewRollbackID(),
		Name:        name,
		Description: description,
		Timestamp:   start,
		SessionID:   c.sessionID,
		Metadata:    map[string]string{"epoch": strconv.FormatUint(uint64(snap.Epoch), 10)},
	}
	if ttl > 0 {
		exp := start.Add(ttl)
		pt.ExpiresAt = &exp
	}
	if err := c.rb.Put(ctx, pt); err != nil {
		return nil, err
	}

	entData, err := json.Marshal(snap.Entities)
	if err != nil {
		return nil, fmt.Errorf("encode entity snapshot: %w", err)
	}
	relData, err := json.Marshal(snap.Relationships)
	if err != nil {
		return nil, fmt.Errorf("encode relationship snapshot: %w", err)
	}
	entSnap, err := c.rb.StoreSnapshot(ctx, pt.ID, types.SnapshotEntities, entData)
	if err != nil {
		return nil, err
	}
	relSnap, err := c.rb.StoreSnapshot(ctx, pt.ID, types.SnapshotRelationships, relData)
	if err != nil {
		return nil, err
	}

	c.publish(ctx, eventbus.CheckpointCreated, pt.Clone())
	if c.mon != nil {
		c.mon.RecordCheckpointMetrics(monitor.CheckpointMetrics{
			RollbackPointID: pt.ID,
			Duration:        c.clk.Now().Sub(start),
			Entities:        len(snap.Entities),
			Relationships:   len(snap.Relationships),
			SizeBytes:       entSnap.SizeBytes + relSnap.SizeBytes,
			CreatedAt:       start,
		})
	}
	c.log.Info("rollback point created",
		"point", pt.ID, "name", name, "entities", len(snap.Entities), "relationships", len(snap.Relationships))
	return pt.Clone(), nil
}

// RollbackTo restores the graph to a rollback point. The restore runs in the
// background while the caller polls the operation record; polling gives up
// after five minutes with an OperationTimeoutError, leaving the operation to
// finish on its own.
func (c *Coordinator) RollbackTo(ctx context.Context, pointID string) (*types.RollbackOperation, error) {
	if c.rb == nil {
		return nil, errors.New("rollback store not configured")
	}
	pt, err := c.rb.Get(ctx, pointID)
	if err != nil {
		return nil, err
	}

	rop := &types.RollbackOperation{
		ID:                    c.ids.NewOperationID(),
		TargetRollbackPointID: pt.ID,
		Type:                  "restore",
		Status:                types.StatusRunning,
		Strategy:              types.StrategyFull,
		StartedAt:             c.clk.Now(),
		Log:                   []string{"restore started"},
	}
	if err := c.rb.StoreOperation(ctx, rop); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.executeRollback(context.WithoutCancel(ctx), pt, rop.Clone())
	}()

	return c.pollRollback(ctx, rop.ID)
}

// executeRollback decodes the point's snapshots and restores the store,
// updating the operation record as it goes.
func (c *Coordinator) executeRollback(ctx context.Context, pt *types.RollbackPoint, rop *types.RollbackOperation) {
	fail := func(err error) {
		now := c.clk.Now()
		rop.Status = types.StatusFailed
		rop.Error = err.Error()
		rop.CompletedAt = &now
		rop.Log = append(rop.Log, "restore failed: "+err.Error())
		if uerr := c.rb.UpdateOperation(ctx, rop); uerr != nil {
			c.log.Error("rollback operation update failed", "operation", rop.ID, "error", uerr)
		}
	}

	snaps, err := c.rb.Snapshots(ctx, pt.ID)
	if err != nil {
		fail(err)
		return
	}
	snap := &storage.GraphSnapshot{}
	for _, s := range snaps {
		switch s.Type {
		case types.SnapshotEntities:
			if err := json.Unmarshal(s.Data, &snap.Entities); err != nil {
				fail(fmt.Errorf("decode entity snapshot: %w", err))
				return
			}
		case types.SnapshotRelationships:
			if err := json.Unmarshal(s.Data, &snap.Relationships); err != nil {
				fail(fmt.Errorf("decode relationship snapshot: %w", err))
				return
			}
		}
	}

	rop.Progress = 50
	rop.Log = append(rop.Log, fmt.Sprintf("restoring %d entities, %d relationships", len(snap.Entities), len(snap.Relationships)))
	if err := c.rb.UpdateOperation(ctx, rop); err != nil {
		c.log.Warn("rollback progress update failed", "operation", rop.ID, "error", err)
	}

	epoch := c.proc.ClaimEpoch()
	if err := c.store.Restore(ctx, snap, epoch); err != nil {
		fail(&types.StoreFailedError{RollbackPointID: pt.ID, Cause: err})
		return
	}

	now := c.clk.Now()
	rop.Status = types.StatusCompleted
	rop.Progress = 100
	rop.CompletedAt = &now
	rop.Log = append(rop.Log, "restore completed")
	if err := c.rb.UpdateOperation(ctx, rop); err != nil {
		c.log.Error("rollback operation update failed", "operation", rop.ID, "error", err)
		return
	}
	c.publish(ctx, eventbus.RollbackExecuted, rop.Clone())
	c.log.Info("rollback executed", "operation", rop.ID, "point", pt.ID, "epoch", uint64(epoch))
}

// pollRollback waits for the operation to reach a terminal status.
func (c *Coordinator) pollRollback(ctx context.Context, ropID string) (*types.RollbackOperation, error) {
	deadline := c.clk.Now().Add(rollbackPollCap)
	for {
		rop, err := c.rb.GetOperation(ctx, ropID)
		if err != nil {
			return nil, err
		}
		if rop.Status.IsTerminal() {
			if rop.Status == types.StatusFailed {
				return rop, fmt.Errorf("rollback %s failed: %s", rop.ID, rop.Error)
			}
			return rop, nil
		}
		if !c.clk.Now().Before(deadline) {
			return rop, &types.OperationTimeoutError{OperationID: ropID, Waited: rollbackPollCap}
		}
		if err := c.sleep(ctx, rollbackPollInterval); err != nil {
			return rop, err
		}
	}
}
