package mural

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// GridSize returns the mural's size in tiles. Columns run along X for
// north/south facings and along Z for east/west facings.
func GridSize(r Region, f Facing) (width, height int) {
	dx, dy, dz := r.Extents()
	if f.Horizontal() {
		return dx, dy
	}
	return dz, dy
}

// Resize scales img to exactly w by h pixels with Catmull-Rom resampling.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// BlockLocation returns the wall block behind tile (col,row). Row 0 is the
// top of the region and column 0 is the left edge as seen by someone
// standing in front of the mural, so the image is never mirrored.
func BlockLocation(r Region, f Facing, col, row int) BlockPos {
	y := r.Max.Y - row
	switch f {
	case North:
		return BlockPos{X: r.Max.X - col, Y: y, Z: r.Min.Z}
	case South:
		return BlockPos{X: r.Min.X + col, Y: y, Z: r.Max.Z}
	case West:
		return BlockPos{X: r.Min.X, Y: y, Z: r.Min.Z + col}
	case East:
		return BlockPos{X: r.Max.X, Y: y, Z: r.Max.Z - col}
	}
	return BlockPos{X: r.Min.X, Y: y, Z: r.Min.Z}
}

// ArtifactAnchor returns the centred point where a tile's display artifact
// sits: the wall block shifted one unit along the inverse of the facing
// normal.
func ArtifactAnchor(block BlockPos, f Facing) Vec3 {
	n := f.Normal()
	return BlockPos{X: block.X - n.X, Y: block.Y - n.Y, Z: block.Z - n.Z}.Center()
}

// Placement is one tile of a mural grid with its world position.
type Placement struct {
	Col    int
	Row    int
	Block  BlockPos
	Anchor Vec3
}

// Grid computes every tile position of a mural in row-major order. It is
// the single source of truth for where tiles go: placement and stale
// artifact cleanup both walk it.
func Grid(r Region, f Facing) []Placement {
	w, h := GridSize(r, f)
	out := make([]Placement, 0, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			b := BlockLocation(r, f, col, row)
			out = append(out, Placement{
				Col:    col,
				Row:    row,
				Block:  b,
				Anchor: ArtifactAnchor(b, f),
			})
		}
	}
	return out
}

// TilePlacement is a grid position together with the image it displays.
type TilePlacement struct {
	Placement
	Image *image.RGBA
}

// Layout resizes img to cover the whole grid and slices it into
// TilePixels-square crops, one per placement returned by Grid.
func Layout(r Region, f Facing, img image.Image) []TilePlacement {
	w, h := GridSize(r, f)
	scaled := Resize(img, w*TilePixels, h*TilePixels)
	grid := Grid(r, f)

	out := make([]TilePlacement, len(grid))
	for i, p := range grid {
		out[i] = TilePlacement{Placement: p, Image: crop(scaled, p.Col, p.Row)}
	}
	return out
}

// crop copies the tile at (col,row) into its own zero-origin image.
func crop(src *image.RGBA, col, row int) *image.RGBA {
	tile := image.NewRGBA(image.Rect(0, 0, TilePixels, TilePixels))
	sp := image.Pt(col*TilePixels, row*TilePixels)
	draw.Draw(tile, tile.Bounds(), src, sp, draw.Src)
	return tile
}
