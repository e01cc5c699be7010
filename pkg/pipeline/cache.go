package pipeline

import (
	"context"
	"log/slog"

	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/hasher"
	"github.com/tarbsd/builder/pkg/progress"
	"github.com/tarbsd/builder/pkg/snapshot"
)

// cachedStage is a stage checkpointed by a named snapshot.
type cachedStage struct {
	name     string
	snapshot string
	// previous is the snapshot the stage builds on.
	previous string
	marker   hasher.Marker
	hitLine  string
	key      func() (hasher.Digest, error)
	run      func(ctx context.Context) error
}

// snapshotCache runs cached stages against a store.
//
// Rollback discards every snapshot newer than its target, so rolling back
// to a hit right away would destroy the hits of later stages. A hit is
// only remembered as pending; the next miss rolls back to its own
// baseline and settle applies the last pending hit.
type snapshotCache struct {
	store snapshot.Store
	sink  progress.Sink

	pending string
	// reached is the last snapshot the root was restored to or created.
	reached string
}

func newSnapshotCache(store snapshot.Store, sink progress.Sink) *snapshotCache {
	return &snapshotCache{store: store, sink: sink}
}

// run executes st unless its snapshot is current. It reports whether the
// stage was a cache hit.
func (c *snapshotCache) run(ctx context.Context, st cachedStage) (bool, error) {
	key, err := st.key()
	if err != nil {
		return false, errors.Wrap(err, "failed to compute cache key of "+st.name)
	}

	fresh, err := st.marker.Matches(key)
	if err != nil {
		return false, err
	}
	if !fresh {
		slog.Info("stage_cache_stale", "stage", st.name, "snapshot", st.snapshot, "key", key.String())
		if err := c.store.Invalidate(ctx, st.snapshot); err != nil {
			return false, errors.Wrap(err, "failed to invalidate "+st.snapshot)
		}
	}

	exists, err := c.store.Exists(ctx, st.snapshot)
	if err != nil {
		return false, err
	}
	if exists {
		slog.Info("stage_cache_hit", "stage", st.name, "snapshot", st.snapshot)
		c.sink.Println(st.hitLine)
		c.pending = st.snapshot
		return true, nil
	}

	slog.Info("stage_cache_miss", "stage", st.name, "snapshot", st.snapshot, "baseline", st.previous)
	c.pending = ""
	if err := c.store.Rollback(ctx, st.previous); err != nil {
		return false, err
	}
	c.reached = st.previous

	if err := st.run(ctx); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := st.marker.Store(key); err != nil {
		return false, err
	}
	if err := c.store.Snapshot(ctx, st.snapshot); err != nil {
		return false, errors.Wrap(err, "failed to snapshot "+st.snapshot)
	}
	c.reached = st.snapshot
	slog.Info("stage_cached", "stage", st.name, "snapshot", st.snapshot)
	return false, nil
}

// settle applies a pending hit.
func (c *snapshotCache) settle(ctx context.Context) error {
	if c.pending == "" {
		return nil
	}
	name := c.pending
	if err := c.store.Rollback(ctx, name); err != nil {
		return err
	}
	c.pending = ""
	c.reached = name
	return nil
}

// recover puts the root back to the last consistent checkpoint after a
// failed or interrupted build. It runs with a context of its own.
func (c *snapshotCache) recover(ctx context.Context) {
	target := c.pending
	if target == "" {
		target = c.reached
	}
	if target == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := c.store.Rollback(ctx, target); err != nil {
		slog.Error("stage_recover_failed", "snapshot", target, "error", err)
		return
	}
	slog.Info("stage_recovered", "snapshot", target)
}
