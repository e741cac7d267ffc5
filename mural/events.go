package mural

import "time"

// EventKind names a mural lifecycle event.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventPlacementFailed EventKind = "placement_failed"
	EventRespawned       EventKind = "respawned"
	EventRespawnFailed   EventKind = "respawn_failed"
	EventRemoved         EventKind = "removed"
	EventReconciled      EventKind = "reconciled"
	EventLoaded          EventKind = "loaded"
	EventSaved           EventKind = "saved"
	EventSaveFailed      EventKind = "save_failed"
)

// Event describes something that happened to a mural or to the record set.
type Event struct {
	Kind      EventKind `json:"kind"`
	MuralID   string    `json:"muralId,omitempty"`
	World     string    `json:"world,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	Tiles     int       `json:"tiles,omitempty"`
	Removed   int       `json:"removed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	Emit(ev Event)
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

func newEvent(kind EventKind, rec *Record) Event {
	ev := Event{Kind: kind, Timestamp: time.Now().Unix()}
	if rec != nil {
		ev.MuralID = rec.ID
		ev.World = rec.WorldName
		ev.ImageURL = rec.ImageURL
		ev.Tiles = len(rec.TileIDs)
	}
	return ev
}
