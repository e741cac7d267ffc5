package mural

import (
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRenderCooldown is how long a viewer is spared a repeat push of
// the same tile.
const DefaultRenderCooldown = 10 * time.Second

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type tileEntry struct {
	img  image.Image
	last map[ViewerID]time.Time
}

// RenderCache owns tile images and throttles how often each viewer is
// sent the same tile.
type RenderCache struct {
	mu       sync.Mutex
	tiles    map[TileID]*tileEntry
	nextID   TileID
	pusher   TilePusher
	clock    Clock
	cooldown time.Duration
	log      *zap.Logger
}

// NewRenderCache creates a cache pushing through pusher.
func NewRenderCache(pusher TilePusher, clock Clock, cooldown time.Duration, log *zap.Logger) *RenderCache {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RenderCache{
		tiles:    make(map[TileID]*tileEntry),
		pusher:   pusher,
		clock:    clock,
		cooldown: cooldown,
		log:      log,
	}
}

// Register stores img and returns a fresh tile id for it.
func (c *RenderCache) Register(img image.Image) TileID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.tiles[c.nextID] = &tileEntry{img: img, last: make(map[ViewerID]time.Time)}
	return c.nextID
}

// Image returns the image registered for tile.
func (c *RenderCache) Image(tile TileID) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tiles[tile]
	if !ok {
		return nil, false
	}
	return e.img, true
}

// Render pushes tile to viewer unless it was pushed to them within the
// cooldown. It reports whether a push happened.
func (c *RenderCache) Render(tile TileID, viewer ViewerID) (bool, error) {
	c.mu.Lock()
	e, ok := c.tiles[tile]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("render tile %d: not registered", tile)
	}
	now := c.clock.Now()
	if last, seen := e.last[viewer]; seen && now.Sub(last) < c.cooldown {
		c.mu.Unlock()
		return false, nil
	}
	e.last[viewer] = now
	img := e.img
	c.mu.Unlock()

	if err := c.pusher.PushTile(viewer, tile, img); err != nil {
		// Let the next attempt through instead of waiting out the cooldown.
		c.mu.Lock()
		if e, ok := c.tiles[tile]; ok {
			delete(e.last, viewer)
		}
		c.mu.Unlock()
		return false, fmt.Errorf("push tile %d to %s: %w", tile, viewer, err)
	}
	return true, nil
}

// ForceNext clears the throttle so the next Render of tile pushes to
// every viewer.
func (c *RenderCache) ForceNext(tile TileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tiles[tile]; ok {
		clear(e.last)
	}
}

// ResetViewer forgets every push made to viewer.
func (c *RenderCache) ResetViewer(viewer ViewerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.tiles {
		delete(e.last, viewer)
	}
}

// Drop discards tiles whose artifacts were removed.
func (c *RenderCache) Drop(tiles ...TileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tiles {
		delete(c.tiles, t)
	}
}

// Len returns the number of registered tiles.
func (c *RenderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tiles)
}

// SyncAll renders every tile of every record in the viewer's world and
// returns how many pushes were made. Push failures are logged.
func (c *RenderCache) SyncAll(viewer Viewer, records []*Record) int {
	pushed := 0
	for _, r := range records {
		if r.WorldName != viewer.World {
			continue
		}
		for _, tile := range r.TileIDs {
			ok, err := c.Render(tile, viewer.ID)
			if err != nil {
				c.log.Debug("sync skipped tile", zap.String("viewer", string(viewer.ID)), zap.Int("tile", int(tile)), zap.Error(err))
				continue
			}
			if ok {
				pushed++
			}
		}
	}
	c.log.Debug("viewer synced", zap.String("viewer", string(viewer.ID)), zap.String("world", viewer.World), zap.Int("pushed", pushed))
	return pushed
}
