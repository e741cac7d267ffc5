package mural

import (
	"fmt"
	"image"
	"slices"
	"sync"
)

// SpawnRequest asks the host to create one display artifact. The
// protection flags are enforced by the host.
type SpawnRequest struct {
	World    string
	Position Vec3
	Facing   Facing
	Kind     ArtifactKind
	Tile     TileID

	Fixed        bool // cannot be moved or rotated
	Invulnerable bool // cannot be broken
	Silent       bool
	Invisible    bool // only the tile image shows, not the frame
}

// Artifact is a display object living in a host world.
type Artifact struct {
	ID       ArtifactID   `json:"id"`
	Kind     ArtifactKind `json:"kind"`
	World    string       `json:"world"`
	Position Vec3         `json:"position"`
	Facing   Facing       `json:"facing"`
	Tile     TileID       `json:"tile"`
}

// World is the host world and entity store. All calls are made from the
// tick loop.
type World interface {
	IsLoaded(world string) bool
	Spawn(req SpawnRequest) (ArtifactID, error)
	Remove(id ArtifactID) bool
	Lookup(id ArtifactID) (Artifact, bool)
	QueryNear(world string, center Vec3, radius float64, kinds ...ArtifactKind) ([]Artifact, error)
	Viewers() []Viewer
}

// TilePusher sends a rendered tile image to one viewer.
type TilePusher interface {
	PushTile(viewer ViewerID, tile TileID, img image.Image) error
}

// MemoryWorld is an in-process World. It backs the standalone service and
// the tests.
type MemoryWorld struct {
	mu        sync.RWMutex
	loaded    map[string]bool
	artifacts map[ArtifactID]Artifact
	viewers   map[ViewerID]Viewer
	nextID    int

	// SpawnHook, when set, can veto a spawn by returning an error.
	SpawnHook func(SpawnRequest) error
}

// NewMemoryWorld creates a host with the named worlds loaded.
func NewMemoryWorld(worlds ...string) *MemoryWorld {
	w := &MemoryWorld{
		loaded:    make(map[string]bool),
		artifacts: make(map[ArtifactID]Artifact),
		viewers:   make(map[ViewerID]Viewer),
	}
	for _, name := range worlds {
		w.loaded[name] = true
	}
	return w
}

// LoadWorld marks a world as loaded.
func (w *MemoryWorld) LoadWorld(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loaded[name] = true
}

// UnloadWorld marks a world as unloaded. Its artifacts are kept.
func (w *MemoryWorld) UnloadWorld(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.loaded, name)
}

func (w *MemoryWorld) IsLoaded(world string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loaded[world]
}

func (w *MemoryWorld) Spawn(req SpawnRequest) (ArtifactID, error) {
	if w.SpawnHook != nil {
		if err := w.SpawnHook(req); err != nil {
			return "", err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loaded[req.World] {
		return "", fmt.Errorf("spawn in %s: %w", req.World, ErrWorldNotLoaded)
	}
	w.nextID++
	id := ArtifactID(fmt.Sprintf("artifact-%d", w.nextID))
	w.artifacts[id] = Artifact{
		ID:       id,
		Kind:     req.Kind,
		World:    req.World,
		Position: req.Position,
		Facing:   req.Facing,
		Tile:     req.Tile,
	}
	return id, nil
}

// Place inserts an artifact as if an earlier run had left it behind.
func (w *MemoryWorld) Place(a Artifact) ArtifactID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	a.ID = ArtifactID(fmt.Sprintf("artifact-%d", w.nextID))
	w.artifacts[a.ID] = a
	return a.ID
}

func (w *MemoryWorld) Remove(id ArtifactID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.artifacts[id]; !ok {
		return false
	}
	delete(w.artifacts, id)
	return true
}

func (w *MemoryWorld) Lookup(id ArtifactID) (Artifact, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, ok := w.artifacts[id]
	return a, ok
}

func (w *MemoryWorld) QueryNear(world string, center Vec3, radius float64, kinds ...ArtifactKind) ([]Artifact, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.loaded[world] {
		return nil, fmt.Errorf("query in %s: %w", world, ErrWorldNotLoaded)
	}

	var out []Artifact
	r2 := radius * radius
	for _, a := range w.artifacts {
		if a.World != world || a.Position.DistanceSq(center) > r2 {
			continue
		}
		if len(kinds) > 0 && !slices.Contains(kinds, a.Kind) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Artifact) int {
		return compareIDs(a.ID, b.ID)
	})
	return out, nil
}

// Artifacts returns every artifact in world, ordered by id.
func (w *MemoryWorld) Artifacts(world string) []Artifact {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Artifact
	for _, a := range w.artifacts {
		if a.World == world {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Artifact) int {
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// Join adds or moves a viewer.
func (w *MemoryWorld) Join(v Viewer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.viewers[v.ID] = v
}

// Leave removes a viewer.
func (w *MemoryWorld) Leave(id ViewerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.viewers, id)
}

func (w *MemoryWorld) Viewers() []Viewer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Viewer, 0, len(w.viewers))
	for _, v := range w.viewers {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b Viewer) int {
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// compareIDs orders ids by length first so artifact-10 sorts after artifact-9.
func compareIDs[T ~string](a, b T) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
