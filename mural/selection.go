package mural

import (
	"fmt"
	"math"
	"sync"
)

// Corner is one clicked corner of a selection.
type Corner struct {
	World string   `json:"world"`
	Pos   BlockPos `json:"pos"`
}

// Viewpoint is where the selecting viewer stands and which way they look.
// Yaw is in degrees: 0 looks toward +Z (south), 90 toward -X (west).
type Viewpoint struct {
	Pos Vec3    `json:"pos"`
	Yaw float64 `json:"yaw"`
}

// ValidateSelection checks that two corners describe a flat vertical wall
// one block thick and at most MaxWallHeight tall.
func ValidateSelection(p1, p2 Corner) error {
	if p1.World != p2.World {
		return &ValidationError{Reason: fmt.Sprintf("corners are in different worlds (%s, %s)", p1.World, p2.World)}
	}
	dx, dy, dz := NewRegion(p1.World, p1.Pos, p2.Pos).Extents()
	if !((dx == 1 && dz > 1) || (dz == 1 && dx > 1)) {
		return &ValidationError{Reason: fmt.Sprintf("selection %dx%d is not a flat wall one block thick", dx, dz)}
	}
	if dy < 1 || dy > MaxWallHeight {
		return &ValidationError{Reason: fmt.Sprintf("height %d outside 1..%d", dy, MaxWallHeight)}
	}
	return nil
}

// IsValidSelection is the boolean form of ValidateSelection.
func IsValidSelection(p1, p2 Corner) bool {
	return ValidateSelection(p1, p2) == nil
}

// normalizeYaw maps any yaw into [0, 360).
func normalizeYaw(yaw float64) float64 {
	y := math.Mod(yaw, 360)
	if y < 0 {
		y += 360
	}
	return y
}

// ResolveFacing picks the face of the wall the viewer is looking at. The
// returned facing is the side of the wall the viewer stands on; murals are
// placed facing the opposite way so their front points back at the viewer.
func ResolveFacing(p1, p2 BlockPos, vp Viewpoint) Facing {
	yaw := normalizeYaw(vp.Yaw)

	switch {
	case p1.X == p2.X:
		westOfViewer := float64(p1.X) < vp.Pos.X
		side := func() Facing {
			if westOfViewer {
				return West
			}
			return East
		}
		switch {
		case yaw >= 45 && yaw < 135:
			return West
		case yaw >= 135 && yaw < 225:
			return side()
		case yaw >= 225 && yaw < 315:
			return East
		default:
			return side()
		}

	case p1.Z == p2.Z:
		northOfViewer := float64(p1.Z) < vp.Pos.Z
		side := func() Facing {
			if northOfViewer {
				return North
			}
			return South
		}
		switch {
		case yaw >= 45 && yaw < 135:
			return side()
		case yaw >= 135 && yaw < 225:
			return North
		case yaw >= 225 && yaw < 315:
			return side()
		default:
			return South
		}
	}

	switch {
	case yaw >= 45 && yaw < 135:
		return East
	case yaw >= 135 && yaw < 225:
		return South
	case yaw >= 225 && yaw < 315:
		return West
	default:
		return North
	}
}

// PlacementFacing returns the facing a mural is stored and placed with for
// a selection seen from vp.
func PlacementFacing(p1, p2 BlockPos, vp Viewpoint) Facing {
	return ResolveFacing(p1, p2, vp).Opposite()
}

// Selection is a viewer's pair of corners. Either may be unset.
type Selection struct {
	Pos1 *Corner `json:"pos1,omitempty"`
	Pos2 *Corner `json:"pos2,omitempty"`
}

// Complete reports whether both corners are set.
func (s Selection) Complete() bool {
	return s.Pos1 != nil && s.Pos2 != nil
}

// SelectionTracker stores the corners each viewer has marked with the wand.
type SelectionTracker struct {
	mu   sync.Mutex
	sels map[ViewerID]Selection
}

// NewSelectionTracker creates an empty tracker.
func NewSelectionTracker() *SelectionTracker {
	return &SelectionTracker{sels: make(map[ViewerID]Selection)}
}

// SetPos1 records the first corner for viewer.
func (t *SelectionTracker) SetPos1(viewer ViewerID, c Corner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sels[viewer]
	s.Pos1 = &c
	t.sels[viewer] = s
}

// SetPos2 records the second corner for viewer.
func (t *SelectionTracker) SetPos2(viewer ViewerID, c Corner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sels[viewer]
	s.Pos2 = &c
	t.sels[viewer] = s
}

// Selection returns the viewer's current selection.
func (t *SelectionTracker) Selection(viewer ViewerID) Selection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sels[viewer]
}

// Clear forgets the viewer's corners.
func (t *SelectionTracker) Clear(viewer ViewerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sels, viewer)
}
