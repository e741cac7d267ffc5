package mural

import (
	"errors"
	"fmt"
)

// ValidationError reports a selection that cannot hold a mural. Reason is
// suitable for showing to the person who made the selection.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid selection: " + e.Reason
}

// FetchStage names the step of the fetch pipeline that failed.
type FetchStage string

const (
	StageURL         FetchStage = "url"
	StageResolve     FetchStage = "resolve"
	StageAddress     FetchStage = "address"
	StageConnect     FetchStage = "connect"
	StageStatus      FetchStage = "status"
	StageLength      FetchStage = "length"
	StageContentType FetchStage = "content-type"
	StageBody        FetchStage = "body"
	StageDecode      FetchStage = "decode"
)

// FetchError reports a rejected or failed image download.
type FetchError struct {
	URL   string
	Stage FetchStage
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Stage, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func fetchErr(url string, stage FetchStage, format string, args ...any) *FetchError {
	return &FetchError{URL: url, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// PersistenceError reports a failure reading or writing the record file.
type PersistenceError struct {
	Op   string // "save" or "load"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReconciliationWarning is a non-fatal problem met while cleaning up stale
// artifacts. RecordID and Position are empty when the problem is not tied
// to one of them.
type ReconciliationWarning struct {
	RecordID string
	World    string
	Position *BlockPos
	Err      error
}

func (w *ReconciliationWarning) Error() string {
	switch {
	case w.Position != nil:
		return fmt.Sprintf("reconcile %s at %s in %s: %v", w.RecordID, w.Position, w.World, w.Err)
	case w.RecordID != "":
		return fmt.Sprintf("reconcile %s in %s: %v", w.RecordID, w.World, w.Err)
	}
	return fmt.Sprintf("reconcile: %v", w.Err)
}

func (w *ReconciliationWarning) Unwrap() error { return w.Err }

var (
	// ErrWorldNotLoaded is returned when an operation targets a world the
	// host has not loaded.
	ErrWorldNotLoaded = errors.New("world not loaded")

	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("mural not found")
)
