package mural

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// seedStale places one leftover frame at every tile anchor of rec plus an
// unmanaged artifact that must survive.
func seedStale(w *MemoryWorld, rec *Record) {
	for _, p := range Grid(rec.Region(), rec.Facing) {
		w.Place(Artifact{Kind: KindFrame, World: rec.WorldName, Position: p.Anchor, Facing: rec.Facing})
	}
	first := Grid(rec.Region(), rec.Facing)[0]
	w.Place(Artifact{Kind: "painting", World: rec.WorldName, Position: first.Anchor})
}

func writeRecords(t *testing.T, records ...*Record) string {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "murals.json"))
	for _, r := range records {
		created := s.Create(r.Region(), r.ImageURL, r.Facing)
		require.NoError(t, s.Update(created.ID, func(c *Record) { c.ArtifactIDs = append(c.ArtifactIDs, "stale-id") }))
	}
	require.NoError(t, s.SaveAll())
	return s.Path()
}

func wallRecord(world string, f Facing) *Record {
	return &Record{ID: "r-" + string(f), WorldName: world, X1: 5, Y1: 60, Z1: 3, X2: 9, Y2: 62, Z2: 3, Facing: f, ImageURL: "https://img.test/a.png"}
}

func TestReconciler_PurgesByPosition(t *testing.T) {
	w := NewMemoryWorld("world")
	rec := wallRecord("world", North)
	seedStale(w, rec)
	// A glow frame slightly off-centre is still in range.
	anchor := Grid(rec.Region(), rec.Facing)[3].Anchor
	w.Place(Artifact{Kind: KindGlowFrame, World: "world", Position: Vec3{X: anchor.X + 0.3, Y: anchor.Y, Z: anchor.Z}})

	rc := NewReconciler(w, 0, zaptest.NewLogger(t))
	report := rc.RunFile(writeRecords(t, rec))

	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 15, report.Positions)
	assert.Equal(t, 16, report.Removed)
	assert.Zero(t, report.Failures)

	left := w.Artifacts("world")
	require.Len(t, left, 1)
	assert.Equal(t, ArtifactKind("painting"), left[0].Kind)
}

func TestReconciler_Idempotent(t *testing.T) {
	w := NewMemoryWorld("world")
	rec := wallRecord("world", East)
	rec.X1, rec.X2, rec.Z1, rec.Z2 = 2, 2, 10, 14
	seedStale(w, rec)
	path := writeRecords(t, rec)

	rc := NewReconciler(w, DefaultReconcileRadius, nil)
	first := rc.RunFile(path)
	second := rc.RunFile(path)

	assert.Equal(t, 15, first.Removed)
	assert.Zero(t, second.Removed)
	assert.Equal(t, first.Positions, second.Positions)
}

func TestReconciler_LeavesNeighboursAlone(t *testing.T) {
	w := NewMemoryWorld("world")
	rec := wallRecord("world", South)
	// One block further out than the anchor.
	anchor := Grid(rec.Region(), rec.Facing)[0].Anchor
	w.Place(Artifact{Kind: KindFrame, World: "world", Position: Vec3{X: anchor.X, Y: anchor.Y, Z: anchor.Z - 1}})

	report := NewReconciler(w, 0, nil).Run([]*Record{rec})
	assert.Zero(t, report.Removed)
	assert.Len(t, w.Artifacts("world"), 1)
}

func TestReconciler_SkipsUnloadedWorlds(t *testing.T) {
	w := NewMemoryWorld("world")
	a := wallRecord("world", North)
	b := wallRecord("nether", North)
	c := wallRecord("nether", South)
	seedStale(w, a)

	report := NewReconciler(w, 0, nil).Run([]*Record{a, b, c})

	assert.Equal(t, 3, report.Records)
	assert.Equal(t, []string{"nether"}, report.SkippedWorlds)
	assert.Equal(t, 15, report.Removed)
	require.Len(t, report.Warnings, 2)
	assert.True(t, errors.Is(report.Warnings[0], ErrWorldNotLoaded))
}

type failingQueryWorld struct {
	*MemoryWorld
	failAt int
	calls  int
}

func (f *failingQueryWorld) QueryNear(world string, center Vec3, radius float64, kinds ...ArtifactKind) ([]Artifact, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, errors.New("chunk not available")
	}
	return f.MemoryWorld.QueryNear(world, center, radius, kinds...)
}

func TestReconciler_PositionFailuresAreCounted(t *testing.T) {
	mem := NewMemoryWorld("world")
	rec := wallRecord("world", North)
	seedStale(mem, rec)
	w := &failingQueryWorld{MemoryWorld: mem, failAt: 2}

	report := NewReconciler(w, 0, nil).Run([]*Record{rec})

	assert.Equal(t, 15, report.Positions)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 14, report.Removed)
	require.Len(t, report.Warnings, 1)
	require.NotNil(t, report.Warnings[0].Position)
	assert.Equal(t, Grid(rec.Region(), rec.Facing)[1].Block, *report.Warnings[0].Position)
}

func TestReconciler_UnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "murals.json")
	require.NoError(t, os.WriteFile(path, []byte("[{"), 0o644))

	report := NewReconciler(NewMemoryWorld("world"), 0, nil).RunFile(path)
	assert.Equal(t, 1, report.Failures)
	assert.Zero(t, report.Removed)
}

func TestReconciler_MissingFile(t *testing.T) {
	report := NewReconciler(NewMemoryWorld("world"), 0, nil).RunFile(filepath.Join(t.TempDir(), "none.json"))
	assert.Zero(t, report.Records)
	assert.Zero(t, report.Failures)
}
