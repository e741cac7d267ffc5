package mural

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultPurgeRadius is the radius cleared around each anchor right
// before a tile is spawned there.
const DefaultPurgeRadius = 0.5

// ImageFetcher downloads source images. *Fetcher satisfies it.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (image.Image, error)
}

// ManagerOptions tunes a Manager. Zero values select defaults.
type ManagerOptions struct {
	Workers         int
	PostSpawnDelay  time.Duration
	JoinDelay       time.Duration
	StartupDelay    time.Duration
	ReconcileRadius float64
	PurgeRadius     float64
	TargetRadius    float64
	MaxWallWidth    int // 0 leaves the horizontal extent unbounded
	Events          EventSink
	Logger          *zap.Logger
}

// PlacementRequest asks for a new mural on the wall between two corners.
type PlacementRequest struct {
	Viewer    ViewerID
	Pos1      Corner
	Pos2      Corner
	Viewpoint Viewpoint
	ImageURL  string
}

// PlacementResult reports the outcome of an asynchronous placement.
type PlacementResult struct {
	Record *Record
	Err    error
}

// Manager runs the mural lifecycle. Mutating methods must be called from
// the tick loop; slow work is moved to background goroutines and its
// results come back through the Scheduler.
type Manager struct {
	store      *Store
	world      World
	fetcher    ImageFetcher
	cache      *RenderCache
	sched      Scheduler
	reconciler *Reconciler
	events     EventSink
	opts       ManagerOptions
	log        *zap.Logger

	flight singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager wires a manager.
func NewManager(store *Store, world World, fetcher ImageFetcher, cache *RenderCache, sched Scheduler, opts ManagerOptions) *Manager {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.PurgeRadius <= 0 {
		opts.PurgeRadius = DefaultPurgeRadius
	}
	if opts.TargetRadius <= 0 {
		opts.TargetRadius = DefaultTargetRadius
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = nopSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		world:      world,
		fetcher:    fetcher,
		cache:      cache,
		sched:      sched,
		reconciler: NewReconciler(world, opts.ReconcileRadius, log.Named("reconcile")),
		events:     events,
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Store returns the record store.
func (m *Manager) Store() *Store { return m.store }

// Cache returns the render cache.
func (m *Manager) Cache() *RenderCache { return m.cache }

// World returns the host world.
func (m *Manager) World() World { return m.world }

// Count returns the number of registered murals.
func (m *Manager) Count() int { return m.store.Count() }

// Wait blocks until every background fetch has handed its result to the
// scheduler.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close abandons in-flight fetches and saves the record set.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return m.Save()
}

// prepare fetches url and lays the image out over the region. Concurrent
// requests for the same url share one download.
func (m *Manager) prepare(url string, region Region, facing Facing) ([]TilePlacement, error) {
	v, err, shared := m.flight.Do(url, func() (any, error) {
		return m.fetcher.Fetch(m.ctx, url)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.Debug("image download shared", zap.String("url", url))
	}
	return Layout(region, facing, v.(image.Image)), nil
}

// goAsync runs fn on a tracked goroutine.
func (m *Manager) goAsync(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// CreateMural validates the request and starts placing a new mural. The
// selection is checked immediately; everything else happens in the
// background and done receives the outcome on the tick loop. A failed
// placement leaves no record and no artifacts behind.
//
// Placements over overlapping walls are not serialized against each
// other; each one purges and spawns its own tiles independently.
//
// Only the height is bounded by ValidateSelection. The assembled image is
// width*128 by height*128 RGBA pixels, so a long wall costs memory in
// proportion to its width unless MaxWallWidth is set.
func (m *Manager) CreateMural(req PlacementRequest, done func(PlacementResult)) error {
	if err := ValidateSelection(req.Pos1, req.Pos2); err != nil {
		return err
	}
	region := NewRegion(req.Pos1.World, req.Pos1.Pos, req.Pos2.Pos)
	if dx, _, dz := region.Extents(); m.opts.MaxWallWidth > 0 && max(dx, dz) > m.opts.MaxWallWidth {
		return &ValidationError{Reason: fmt.Sprintf("width %d exceeds %d", max(dx, dz), m.opts.MaxWallWidth)}
	}
	if req.ImageURL == "" {
		return &ValidationError{Reason: "image url is required"}
	}
	facing := PlacementFacing(req.Pos1.Pos, req.Pos2.Pos, req.Viewpoint)
	if done == nil {
		done = func(PlacementResult) {}
	}

	m.log.Info("placing mural",
		zap.String("viewer", string(req.Viewer)),
		zap.String("region", region.String()),
		zap.String("facing", string(facing)),
		zap.String("url", req.ImageURL))

	m.goAsync(func() {
		tiles, err := m.prepare(req.ImageURL, region, facing)
		m.sched.RunOnTick(func() {
			if err == nil && !m.world.IsLoaded(region.World) {
				err = fmt.Errorf("place in %s: %w", region.World, ErrWorldNotLoaded)
			}
			if err != nil {
				m.log.Warn("placement failed", zap.String("url", req.ImageURL), zap.Error(err))
				ev := newEvent(EventPlacementFailed, nil)
				ev.World, ev.ImageURL, ev.Error = region.World, req.ImageURL, err.Error()
				m.events.Emit(ev)
				done(PlacementResult{Err: err})
				return
			}

			rec := m.store.Create(region, req.ImageURL, facing)
			if _, err := m.place(rec.ID, tiles); err != nil {
				m.store.Remove(rec.ID)
				done(PlacementResult{Err: err})
				return
			}
			m.saveLogged()
			rec, _ = m.store.Get(rec.ID)
			m.events.Emit(newEvent(EventCreated, rec))
			done(PlacementResult{Record: rec})
		})
	})
	return nil
}

// place removes whatever the record currently shows and spawns one
// artifact per tile. Runs on the tick loop.
func (m *Manager) place(id string, tiles []TilePlacement) (int, error) {
	rec, ok := m.store.Get(id)
	if !ok {
		return 0, fmt.Errorf("place %s: %w", id, ErrNotFound)
	}
	if !m.world.IsLoaded(rec.WorldName) {
		return 0, fmt.Errorf("place %s in %s: %w", id, rec.WorldName, ErrWorldNotLoaded)
	}
	m.despawn(rec)

	tileIDs := make([]TileID, 0, len(tiles))
	artifactIDs := make([]ArtifactID, 0, len(tiles))
	for _, tp := range tiles {
		if n, err := purgeNear(m.world, rec.WorldName, tp.Anchor, m.opts.PurgeRadius); err != nil {
			m.log.Warn("purge before spawn failed", zap.String("block", tp.Block.String()), zap.Error(err))
		} else if n > 0 {
			m.log.Debug("purged leftover artifacts", zap.String("block", tp.Block.String()), zap.Int("count", n))
		}

		tile := m.cache.Register(tp.Image)
		aid, err := m.world.Spawn(SpawnRequest{
			World:        rec.WorldName,
			Position:     tp.Anchor,
			Facing:       rec.Facing,
			Kind:         KindGlowFrame,
			Tile:         tile,
			Fixed:        true,
			Invulnerable: true,
			Silent:       true,
			Invisible:    true,
		})
		if err != nil {
			m.cache.Drop(tile)
			m.log.Error("spawn failed",
				zap.String("id", id),
				zap.Int("col", tp.Col),
				zap.Int("row", tp.Row),
				zap.Error(err))
			continue
		}
		tileIDs = append(tileIDs, tile)
		artifactIDs = append(artifactIDs, aid)
	}

	if err := m.store.Update(id, func(r *Record) {
		r.TileIDs = tileIDs
		r.ArtifactIDs = artifactIDs
	}); err != nil {
		return 0, err
	}
	m.log.Info("mural spawned", zap.String("id", id), zap.Int("tiles", len(tileIDs)), zap.Int("expected", len(tiles)))

	m.sched.RunLater(m.opts.PostSpawnDelay, func() { m.pushRecord(id) })
	return len(tileIDs), nil
}

// despawn removes a record's artifacts and forgets its tiles.
func (m *Manager) despawn(rec *Record) {
	for _, aid := range rec.ArtifactIDs {
		m.world.Remove(aid)
	}
	m.cache.Drop(rec.TileIDs...)
	_ = m.store.Update(rec.ID, func(r *Record) { r.clearSpawned() })
}

// pushRecord sends a record's tiles to every viewer in its world.
func (m *Manager) pushRecord(id string) {
	rec, ok := m.store.Get(id)
	if !ok {
		return
	}
	for _, v := range m.world.Viewers() {
		if v.World != rec.WorldName {
			continue
		}
		for _, tile := range rec.TileIDs {
			if _, err := m.cache.Render(tile, v.ID); err != nil {
				m.log.Debug("push failed", zap.String("viewer", string(v.ID)), zap.Int("tile", int(tile)), zap.Error(err))
			}
		}
	}
}

// Respawn re-fetches a record's image and rebuilds its artifacts. The old
// artifacts stay up until the new image is ready and are removed right
// before the new grid spawns. Records in unloaded worlds are skipped and
// kept. done, if set, runs on the tick loop.
func (m *Manager) Respawn(id string, done func(error)) error {
	rec, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("respawn %s: %w", id, ErrNotFound)
	}
	if !m.world.IsLoaded(rec.WorldName) {
		m.log.Info("respawn skipped, world not loaded", zap.String("id", id), zap.String("world", rec.WorldName))
		return fmt.Errorf("respawn %s in %s: %w", id, rec.WorldName, ErrWorldNotLoaded)
	}
	if done == nil {
		done = func(error) {}
	}
	m.goAsync(func() {
		tiles, err := m.prepare(rec.ImageURL, rec.Region(), rec.Facing)
		m.sched.RunOnTick(func() {
			rerr := m.applyRespawn(rec, tiles, err)
			if rerr == nil {
				m.saveLogged()
			}
			done(rerr)
		})
	})
	return nil
}

func (m *Manager) applyRespawn(rec *Record, tiles []TilePlacement, fetchErr error) error {
	if fetchErr != nil {
		m.log.Warn("respawn fetch failed", zap.String("id", rec.ID), zap.String("url", rec.ImageURL), zap.Error(fetchErr))
		ev := newEvent(EventRespawnFailed, rec)
		ev.Error = fetchErr.Error()
		m.events.Emit(ev)
		return fetchErr
	}
	n, err := m.place(rec.ID, tiles)
	if err != nil {
		m.log.Warn("respawn failed", zap.String("id", rec.ID), zap.Error(err))
		return err
	}
	ev := newEvent(EventRespawned, rec)
	ev.Tiles = n
	m.events.Emit(ev)
	return nil
}

// RespawnSummary counts the outcome of a RespawnAll pass.
type RespawnSummary struct {
	Total   int
	Skipped int
	Failed  int
}

// RespawnAll rebuilds every record whose world is loaded, fetching with a
// bounded number of workers. done, if set, runs on the tick loop after
// the last record has been handled and the record set saved.
func (m *Manager) RespawnAll(done func(RespawnSummary)) {
	records := m.store.List()
	var summary RespawnSummary
	var todo []*Record
	for _, rec := range records {
		summary.Total++
		if !m.world.IsLoaded(rec.WorldName) {
			summary.Skipped++
			m.log.Info("respawn skipped, world not loaded", zap.String("id", rec.ID), zap.String("world", rec.WorldName))
			continue
		}
		todo = append(todo, rec)
	}

	var failed atomic.Int32
	m.goAsync(func() {
		var g errgroup.Group
		g.SetLimit(m.opts.Workers)
		for _, rec := range todo {
			g.Go(func() error {
				tiles, err := m.prepare(rec.ImageURL, rec.Region(), rec.Facing)
				m.sched.RunOnTick(func() {
					if rerr := m.applyRespawn(rec, tiles, err); rerr != nil {
						failed.Add(1)
					}
				})
				return nil
			})
		}
		_ = g.Wait()

		m.sched.RunOnTick(func() {
			// Every respawn task was queued before this one.
			summary.Failed = int(failed.Load())
			m.saveLogged()
			m.log.Info("respawn pass complete",
				zap.Int("total", summary.Total),
				zap.Int("skipped", summary.Skipped),
				zap.Int("failed", summary.Failed))
			if done != nil {
				done(summary)
			}
		})
	})
}

// Startup schedules the boot sequence: after the startup delay, purge
// artifacts at every position in the record file, then load the records
// and respawn them. Cleanup always finishes before anything spawns.
func (m *Manager) Startup(done func(*ReconcileReport)) {
	m.sched.RunLater(m.opts.StartupDelay, func() {
		report := m.Reconcile()
		if done != nil {
			done(report)
		}
		m.Reload()
	})
}

// Reconcile runs the cleanup pass against the record file on disk.
func (m *Manager) Reconcile() *ReconcileReport {
	report := m.reconciler.RunFile(m.store.Path())
	ev := newEvent(EventReconciled, nil)
	ev.Removed = report.Removed
	if report.Failures > 0 {
		ev.Error = fmt.Sprintf("%d failures", report.Failures)
	}
	m.events.Emit(ev)
	return report
}

// Reload takes down every current mural, reloads the record file and
// respawns what it holds.
func (m *Manager) Reload() {
	for _, rec := range m.store.List() {
		if m.world.IsLoaded(rec.WorldName) {
			m.despawn(rec)
		}
	}
	n, err := m.store.LoadAll()
	// Ids saved in the file belong to artifacts that are gone by now.
	for _, rec := range m.store.List() {
		_ = m.store.Update(rec.ID, func(r *Record) { r.clearSpawned() })
	}
	ev := newEvent(EventLoaded, nil)
	ev.Tiles = n
	if err != nil {
		ev.Error = err.Error()
		m.log.Error("record file unreadable", zap.Error(err))
	}
	m.events.Emit(ev)
	m.RespawnAll(nil)
}

// Save writes the record set.
func (m *Manager) Save() error {
	err := m.store.SaveAll()
	ev := newEvent(EventSaved, nil)
	ev.Tiles = m.store.Count()
	if err != nil {
		ev.Kind = EventSaveFailed
		ev.Error = err.Error()
	}
	m.events.Emit(ev)
	return err
}

// saveLogged saves and logs failure. A failed save does not stop the
// session; the next save or an explicit one retries.
func (m *Manager) saveLogged() {
	if err := m.Save(); err != nil {
		m.log.Error("saving records failed", zap.Error(err))
	}
}

// RemoveRecord takes a mural down and forgets it.
func (m *Manager) RemoveRecord(id string) bool {
	rec, ok := m.store.Remove(id)
	if !ok {
		return false
	}
	removed := 0
	for _, aid := range rec.ArtifactIDs {
		if m.world.Remove(aid) {
			removed++
		}
	}
	m.cache.Drop(rec.TileIDs...)
	m.saveLogged()

	ev := newEvent(EventRemoved, rec)
	ev.Removed = removed
	m.events.Emit(ev)
	m.log.Info("mural removed", zap.String("id", id), zap.Int("artifacts", removed))
	return true
}

// RemoveByArtifact removes the mural owning the artifact and returns its id.
func (m *Manager) RemoveByArtifact(aid ArtifactID) (string, bool) {
	rec, ok := m.store.FindByArtifact(aid)
	if !ok {
		return "", false
	}
	return rec.ID, m.RemoveRecord(rec.ID)
}

// RemoveAtTarget removes the mural a viewer is aiming at. A directly hit
// artifact wins; otherwise mural artifacts around the hit block are
// checked, then the wall footprints.
func (m *Manager) RemoveAtTarget(t Target) (string, bool) {
	if t.Artifact != "" {
		if id, ok := m.RemoveByArtifact(t.Artifact); ok {
			return id, true
		}
	}
	if t.Block == nil {
		return "", false
	}

	near, err := m.world.QueryNear(t.World, t.Block.Center(), m.opts.TargetRadius, ManagedKinds...)
	if err != nil {
		m.log.Debug("target query failed", zap.Error(err))
	}
	for _, a := range near {
		if id, ok := m.RemoveByArtifact(a.ID); ok {
			return id, true
		}
	}

	if rec, ok := RecordAt(m.store.List(), t.World, *t.Block); ok {
		return rec.ID, m.RemoveRecord(rec.ID)
	}
	return "", false
}

// ViewerJoined schedules a full sync for a viewer who just connected.
func (m *Manager) ViewerJoined(v Viewer) {
	m.sched.RunLater(m.opts.JoinDelay, func() {
		m.cache.SyncAll(m.currentViewer(v), m.store.List())
	})
}

// ViewerLeft forgets what was pushed to the viewer.
func (m *Manager) ViewerLeft(id ViewerID) {
	m.cache.ResetViewer(id)
}

// Sync pushes every tile in the viewer's world right away, ignoring the
// cooldown, and returns how many tiles were sent.
func (m *Manager) Sync(v Viewer) int {
	v = m.currentViewer(v)
	m.cache.ResetViewer(v.ID)
	return m.cache.SyncAll(v, m.store.List())
}

// ArtifactShown re-sends the tile behind an artifact that just came into
// a viewer's range, covering clients that drop the first frame.
func (m *Manager) ArtifactShown(viewer ViewerID, aid ArtifactID) bool {
	if _, ok := m.store.FindByArtifact(aid); !ok {
		return false
	}
	a, ok := m.world.Lookup(aid)
	if !ok {
		return false
	}
	m.cache.ForceNext(a.Tile)
	pushed, err := m.cache.Render(a.Tile, viewer)
	if err != nil {
		m.log.Debug("re-push failed", zap.String("viewer", string(viewer)), zap.Error(err))
	}
	return pushed
}

// currentViewer refreshes v with the world the host now reports for it.
func (m *Manager) currentViewer(v Viewer) Viewer {
	for _, cur := range m.world.Viewers() {
		if cur.ID == v.ID {
			return cur
		}
	}
	return v
}

// IsValidationError reports whether err is a rejected selection.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
