package mural

import (
	"fmt"
	"strings"
	"time"
)

// TilePixels is the edge length of one display tile in pixels.
const TilePixels = 128

// MaxWallHeight is the tallest selection, in blocks, a mural may cover.
const MaxWallHeight = 50

// BlockPos is an integer block coordinate in a world.
type BlockPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Add returns p offset by d.
func (p BlockPos) Add(d BlockPos) BlockPos {
	return BlockPos{X: p.X + d.X, Y: p.Y + d.Y, Z: p.Z + d.Z}
}

// Center returns the centre point of the block.
func (p BlockPos) Center() Vec3 {
	return Vec3{X: float64(p.X) + 0.5, Y: float64(p.Y) + 0.5, Z: float64(p.Z) + 0.5}
}

func (p BlockPos) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z)
}

// Vec3 is a continuous world position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Block returns the block containing v.
func (v Vec3) Block() BlockPos {
	return BlockPos{X: floor(v.X), Y: floor(v.Y), Z: floor(v.Z)}
}

// DistanceSq returns the squared euclidean distance between v and o.
func (v Vec3) DistanceSq(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

func floor(f float64) int {
	i := int(f)
	if f < 0 && float64(i) != f {
		i--
	}
	return i
}

// Facing is the cardinal direction the front of a mural points to.
type Facing string

const (
	North Facing = "NORTH"
	South Facing = "SOUTH"
	East  Facing = "EAST"
	West  Facing = "WEST"
)

// ParseFacing parses a facing name case-insensitively.
func ParseFacing(s string) (Facing, error) {
	f := Facing(strings.ToUpper(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown facing %q", s)
	}
	return f, nil
}

// Valid reports whether f is one of the four cardinal facings.
func (f Facing) Valid() bool {
	switch f {
	case North, South, East, West:
		return true
	}
	return false
}

// Opposite returns the facing pointing the other way.
func (f Facing) Opposite() Facing {
	switch f {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	}
	return f
}

// Normal returns the unit block offset the facing points along.
// North is -Z and East is +X.
func (f Facing) Normal() BlockPos {
	switch f {
	case North:
		return BlockPos{Z: -1}
	case South:
		return BlockPos{Z: 1}
	case East:
		return BlockPos{X: 1}
	case West:
		return BlockPos{X: -1}
	}
	return BlockPos{}
}

// Horizontal reports whether columns of a mural with this facing run along X.
func (f Facing) Horizontal() bool {
	return f == North || f == South
}

// Region is a normalized box of blocks in one world. Min holds the smallest
// coordinate on every axis.
type Region struct {
	World string   `json:"world"`
	Min   BlockPos `json:"min"`
	Max   BlockPos `json:"max"`
}

// NewRegion builds a normalized region from two opposite corners.
func NewRegion(world string, a, b BlockPos) Region {
	return Region{
		World: world,
		Min:   BlockPos{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)},
		Max:   BlockPos{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)},
	}
}

// Extents returns the inclusive block count on each axis.
func (r Region) Extents() (dx, dy, dz int) {
	return r.Max.X - r.Min.X + 1, r.Max.Y - r.Min.Y + 1, r.Max.Z - r.Min.Z + 1
}

func (r Region) String() string {
	return fmt.Sprintf("%s[%s..%s]", r.World, r.Min, r.Max)
}

// TileID identifies one rendered tile image.
type TileID int

// ArtifactID is the host-assigned identifier of a display artifact.
type ArtifactID string

// ArtifactKind names a kind of host display object.
type ArtifactKind string

const (
	KindFrame     ArtifactKind = "frame"
	KindGlowFrame ArtifactKind = "glow_frame"
)

// ManagedKinds are the artifact kinds a mural may leave behind.
var ManagedKinds = []ArtifactKind{KindFrame, KindGlowFrame}

// ViewerID identifies a connected viewer.
type ViewerID string

// Viewer is a connected viewer and the world it currently stands in.
type Viewer struct {
	ID    ViewerID `json:"id"`
	World string   `json:"world"`
}

// Record is the persisted description of one mural.
type Record struct {
	ID          string       `json:"id"`
	WorldName   string       `json:"worldName"`
	X1          int          `json:"x1"`
	Y1          int          `json:"y1"`
	Z1          int          `json:"z1"`
	X2          int          `json:"x2"`
	Y2          int          `json:"y2"`
	Z2          int          `json:"z2"`
	ImageURL    string       `json:"imageUrl"`
	Facing      Facing       `json:"facing"`
	TileIDs     []TileID     `json:"tileIds"`
	ArtifactIDs []ArtifactID `json:"artifactIds"`
	CreatedAt   int64        `json:"createdAt"` // unix millis
}

// Region returns the normalized region covered by the record.
func (r *Record) Region() Region {
	return NewRegion(r.WorldName,
		BlockPos{X: r.X1, Y: r.Y1, Z: r.Z1},
		BlockPos{X: r.X2, Y: r.Y2, Z: r.Z2})
}

// Created returns the creation time.
func (r *Record) Created() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// HasArtifact reports whether id is one of the record's artifacts.
func (r *Record) HasArtifact(id ArtifactID) bool {
	for _, a := range r.ArtifactIDs {
		if a == id {
			return true
		}
	}
	return false
}

// clearSpawned empties both per-tile lists ahead of a respawn.
func (r *Record) clearSpawned() {
	r.TileIDs = []TileID{}
	r.ArtifactIDs = []ArtifactID{}
}

// clone returns a deep copy safe to hand outside the store lock.
func (r *Record) clone() *Record {
	c := *r
	c.TileIDs = append(make([]TileID, 0, len(r.TileIDs)), r.TileIDs...)
	c.ArtifactIDs = append(make([]ArtifactID, 0, len(r.ArtifactIDs)), r.ArtifactIDs...)
	return &c
}
