package mural

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultReconcileRadius is how far from a tile anchor a leftover
// artifact may sit and still be purged.
const DefaultReconcileRadius = 0.8

// ReconcileReport summarizes one cleanup pass.
type ReconcileReport struct {
	Records       int                      `json:"records"`
	Positions     int                      `json:"positions"`
	Removed       int                      `json:"removed"`
	SkippedWorlds []string                 `json:"skippedWorlds,omitempty"`
	Failures      int                      `json:"failures"`
	Warnings      []*ReconciliationWarning `json:"-"`
}

func (r *ReconcileReport) warn(w *ReconciliationWarning) {
	r.Warnings = append(r.Warnings, w)
}

// Reconciler removes display artifacts left at registered tile positions
// by earlier runs. It works from positions alone because artifact ids
// saved by a previous run cannot be trusted.
type Reconciler struct {
	world  World
	radius float64
	log    *zap.Logger
}

// NewReconciler creates a reconciler. A non-positive radius selects
// DefaultReconcileRadius.
func NewReconciler(world World, radius float64, log *zap.Logger) *Reconciler {
	if radius <= 0 {
		radius = DefaultReconcileRadius
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{world: world, radius: radius, log: log}
}

// RunFile reconciles against the records stored at path. An unreadable
// file is reported as a warning and purges nothing.
func (rc *Reconciler) RunFile(path string) *ReconcileReport {
	records, err := ReadRecordFile(path)
	if err != nil {
		report := &ReconcileReport{Failures: 1}
		report.warn(&ReconciliationWarning{Err: err})
		rc.log.Warn("reconcile: cannot read records", zap.String("path", path), zap.Error(err))
		return report
	}
	return rc.Run(records)
}

// Run purges managed artifacts at every grid position of every record.
// It always visits all records; problems are collected as warnings.
func (rc *Reconciler) Run(records []*Record) *ReconcileReport {
	report := &ReconcileReport{Records: len(records)}
	skipped := make(map[string]bool)

	for _, rec := range records {
		if !rec.Facing.Valid() {
			report.Failures++
			report.warn(&ReconciliationWarning{RecordID: rec.ID, World: rec.WorldName, Err: fmt.Errorf("invalid facing %q", rec.Facing)})
			continue
		}
		if !rc.world.IsLoaded(rec.WorldName) {
			if !skipped[rec.WorldName] {
				skipped[rec.WorldName] = true
				report.SkippedWorlds = append(report.SkippedWorlds, rec.WorldName)
				rc.log.Warn("reconcile: world not loaded, skipping", zap.String("world", rec.WorldName))
			}
			report.warn(&ReconciliationWarning{RecordID: rec.ID, World: rec.WorldName, Err: ErrWorldNotLoaded})
			continue
		}

		for _, p := range Grid(rec.Region(), rec.Facing) {
			report.Positions++
			removed, err := rc.purge(rec.WorldName, p.Anchor)
			report.Removed += removed
			if err != nil {
				report.Failures++
				block := p.Block
				report.warn(&ReconciliationWarning{RecordID: rec.ID, World: rec.WorldName, Position: &block, Err: err})
				rc.log.Warn("reconcile: purge failed",
					zap.String("id", rec.ID),
					zap.String("block", block.String()),
					zap.Error(err))
			}
		}
	}

	rc.log.Info("reconcile complete",
		zap.Int("records", report.Records),
		zap.Int("positions", report.Positions),
		zap.Int("removed", report.Removed),
		zap.Int("failures", report.Failures),
		zap.Strings("skippedWorlds", report.SkippedWorlds))
	return report
}

// purge removes every managed artifact near anchor.
func (rc *Reconciler) purge(world string, anchor Vec3) (int, error) {
	return purgeNear(rc.world, world, anchor, rc.radius)
}

// purgeNear removes managed artifacts within radius of center and returns
// how many went away.
func purgeNear(w World, world string, center Vec3, radius float64) (int, error) {
	found, err := w.QueryNear(world, center, radius, ManagedKinds...)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, a := range found {
		if w.Remove(a.ID) {
			removed++
		}
	}
	return removed, nil
}
