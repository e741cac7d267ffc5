package mural

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Target is what a viewer is aiming at when asking to remove a mural.
// Either field may be empty.
type Target struct {
	World    string     `json:"world"`
	Artifact ArtifactID `json:"artifact,omitempty"`
	Block    *BlockPos  `json:"block,omitempty"`
}

// DefaultTargetRadius is how far from the aimed-at block a mural artifact
// is still considered hit.
const DefaultTargetRadius = 1.6

// Footprint returns the horizontal X/Z extent of a record's wall, padded
// by one block so the artifact side of the wall counts as inside.
func Footprint(r *Record) orb.Bound {
	reg := r.Region()
	b := orb.Bound{
		Min: orb.Point{float64(reg.Min.X), float64(reg.Min.Z)},
		Max: orb.Point{float64(reg.Max.X + 1), float64(reg.Max.Z + 1)},
	}
	return b.Pad(1)
}

// RecordAt returns the record whose wall is closest to block, among those
// whose footprint and height range contain it.
func RecordAt(records []*Record, world string, block BlockPos) (*Record, bool) {
	pt := orb.Point{float64(block.X) + 0.5, float64(block.Z) + 0.5}

	var best *Record
	bestDist := math.Inf(1)
	for _, r := range records {
		if r.WorldName != world {
			continue
		}
		reg := r.Region()
		if block.Y < reg.Min.Y || block.Y > reg.Max.Y {
			continue
		}
		fp := Footprint(r)
		if !fp.Contains(pt) {
			continue
		}
		if d := planar.Distance(fp.Center(), pt); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best, best != nil
}
