package mural

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// layoutCell is the size of one tile in the layout drawing, in millimetres.
const layoutCell = 10.0

const layoutPadding = 4.0

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderLayoutSVG draws the tile grid of a record as seen from the front.
// Spawned tiles are filled, missing ones are left hollow, and the first
// tile (col 0, row 0) carries a marker.
func RenderLayoutSVG(w io.Writer, rec *Record, spawned map[[2]int]bool) error {
	width, height := layoutSize(rec)
	r := svg.New(w, width, height, nil)
	renderLayout(r, rec, spawned, width, height)
	return r.Close()
}

// RenderLayoutPNG is RenderLayoutSVG rasterized.
func RenderLayoutPNG(w io.Writer, rec *Record, spawned map[[2]int]bool) error {
	width, height := layoutSize(rec)
	rast := rasterizer.New(width, height, canvas.DPI(200), canvas.DefaultColorSpace)
	renderLayout(rast, rec, spawned, width, height)
	return png.Encode(w, rast)
}

func layoutSize(rec *Record) (float64, float64) {
	cols, rows := GridSize(rec.Region(), rec.Facing)
	return float64(cols)*layoutCell + 2*layoutPadding, float64(rows)*layoutCell + 2*layoutPadding
}

func renderLayout(r canvasRenderer, rec *Record, spawned map[[2]int]bool, width, height float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	r.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	filled := canvas.DefaultStyle
	filled.Fill = canvas.Paint{Color: color.RGBA{R: 0x5b, G: 0x8d, B: 0xd6, A: 0xff}}
	filled.Stroke = canvas.Paint{Color: canvas.Black}
	filled.StrokeWidth = 0.3

	hollow := canvas.DefaultStyle
	hollow.Fill = canvas.Paint{Color: canvas.Transparent}
	hollow.Stroke = canvas.Paint{Color: canvas.Gray}
	hollow.StrokeWidth = 0.3
	hollow.Dashes = []float64{1, 1}

	// Canvas y points up; row 0 is the top row.
	cellAt := func(col, row int) canvas.Matrix {
		_, rows := GridSize(rec.Region(), rec.Facing)
		x := layoutPadding + float64(col)*layoutCell
		y := layoutPadding + float64(rows-1-row)*layoutCell
		return canvas.Identity.Translate(x, y)
	}

	for _, p := range Grid(rec.Region(), rec.Facing) {
		style := hollow
		if spawned == nil || spawned[[2]int{p.Col, p.Row}] {
			style = filled
		}
		r.RenderPath(canvas.Rectangle(layoutCell, layoutCell), style, cellAt(p.Col, p.Row))
	}

	marker := canvas.DefaultStyle
	marker.Fill = canvas.Paint{Color: canvas.Black}
	marker.Stroke = canvas.Paint{Color: canvas.Transparent}
	r.RenderPath(canvas.Circle(1.2), marker, cellAt(0, 0).Translate(layoutCell/2, layoutCell/2))
}

// SpawnedCells maps a record's live artifacts back to grid cells.
func SpawnedCells(rec *Record, w World) map[[2]int]bool {
	byAnchor := make(map[Vec3][2]int)
	for _, p := range Grid(rec.Region(), rec.Facing) {
		byAnchor[p.Anchor] = [2]int{p.Col, p.Row}
	}
	out := make(map[[2]int]bool, len(rec.ArtifactIDs))
	for _, aid := range rec.ArtifactIDs {
		a, ok := w.Lookup(aid)
		if !ok {
			continue
		}
		if cell, ok := byAnchor[a.Position]; ok {
			out[cell] = true
		}
	}
	return out
}

// AssembleMural stitches the tiles currently shown by a record back into
// one image. Cells without a live artifact stay transparent.
func AssembleMural(rec *Record, w World, cache *RenderCache) *image.RGBA {
	cols, rows := GridSize(rec.Region(), rec.Facing)
	out := image.NewRGBA(image.Rect(0, 0, cols*TilePixels, rows*TilePixels))

	byAnchor := make(map[Vec3]Placement)
	for _, p := range Grid(rec.Region(), rec.Facing) {
		byAnchor[p.Anchor] = p
	}
	for _, aid := range rec.ArtifactIDs {
		a, ok := w.Lookup(aid)
		if !ok {
			continue
		}
		p, ok := byAnchor[a.Position]
		if !ok {
			continue
		}
		img, ok := cache.Image(a.Tile)
		if !ok {
			continue
		}
		dst := image.Rect(p.Col*TilePixels, p.Row*TilePixels, (p.Col+1)*TilePixels, (p.Row+1)*TilePixels)
		draw.Draw(out, dst, img, img.Bounds().Min, draw.Src)
	}
	return out
}

const captionHeight = 18

// RenderPreview scales a mural image down to at most maxWidth pixels,
// overlays the tile grid and adds a caption line.
func RenderPreview(rec *Record, src image.Image, maxWidth int) *image.RGBA {
	cols, rows := GridSize(rec.Region(), rec.Facing)
	w := cols * TilePixels
	if maxWidth > 0 && w > maxWidth {
		w = maxWidth
	}
	h := w * rows / cols
	if h < 1 {
		h = 1
	}

	scaled := Resize(src, w, h)
	out := image.NewRGBA(image.Rect(0, 0, w, h+captionHeight))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}), image.Point{}, draw.Src)
	draw.Draw(out, scaled.Bounds(), scaled, image.Point{}, draw.Over)

	grid := color.RGBA{R: 0x90, G: 0x90, B: 0x90, A: 0xff}
	for c := 1; c < cols; c++ {
		x := c * w / cols
		for y := 0; y < h; y++ {
			out.Set(x, y, grid)
		}
	}
	for r := 1; r < rows; r++ {
		y := r * h / rows
		for x := 0; x < w; x++ {
			out.Set(x, y, grid)
		}
	}

	caption := fmt.Sprintf("%dx%d %s", cols, rows, rec.Facing)
	drawText(out, 4, h+captionHeight-5, caption, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
	return out
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
