package mural

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrViewerOffline is returned when a tile is pushed to a viewer without a
// live connection.
var ErrViewerOffline = errors.New("viewer not connected")

// HubListener is told about viewer sessions. Calls come from connection
// goroutines.
type HubListener interface {
	ViewerJoined(v Viewer)
	ViewerLeft(id ViewerID)
	ArtifactShown(viewer ViewerID, aid ArtifactID)
}

// TileHub streams tile images to viewers over websockets. Each binary
// frame is a 4-byte big-endian tile id followed by the PNG encoded tile.
type TileHub struct {
	upgrader websocket.Upgrader
	listener HubListener
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[ViewerID]*wsSession
}

type wsSession struct {
	viewer Viewer
	conn   *websocket.Conn
	out    chan []byte
	closed bool
}

// end closes the send queue and the connection. Callers hold h.mu.
func (s *wsSession) end() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// NewTileHub creates a hub. listener may be nil.
func NewTileHub(listener HubListener, log *zap.Logger) *TileHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &TileHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		listener: listener,
		log:      log,
		sessions: make(map[ViewerID]*wsSession),
	}
}

// SetListener replaces the session listener.
func (h *TileHub) SetListener(l HubListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

func (h *TileHub) currentListener() HubListener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener
}

// EncodeTileFrame builds the binary frame for one tile.
func EncodeTileFrame(tile TileID, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(tile))
	buf.Write(hdr[:])
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode tile %d: %w", tile, err)
	}
	return buf.Bytes(), nil
}

// DecodeTileFrame splits a frame built by EncodeTileFrame.
func DecodeTileFrame(b []byte) (TileID, image.Image, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("tile frame too short: %d bytes", len(b))
	}
	tile := TileID(binary.BigEndian.Uint32(b[:4]))
	img, err := png.Decode(bytes.NewReader(b[4:]))
	if err != nil {
		return 0, nil, fmt.Errorf("decode tile %d: %w", tile, err)
	}
	return tile, img, nil
}

// PushTile queues a tile for the viewer's connection.
func (h *TileHub) PushTile(viewer ViewerID, tile TileID, img image.Image) error {
	frame, err := EncodeTileFrame(tile, img)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[viewer]
	if !ok || s.closed {
		return ErrViewerOffline
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return fmt.Errorf("push tile %d to %s: send queue full", tile, viewer)
	}
}

// Connected reports whether viewer has a live session.
func (h *TileHub) Connected(viewer ViewerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[viewer]
	return ok
}

func (h *TileHub) register(v Viewer, conn *websocket.Conn) *wsSession {
	s := &wsSession{viewer: v, conn: conn, out: make(chan []byte, 1024)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[v.ID]; ok {
		old.end()
	}
	h.sessions[v.ID] = s
	return s
}

// unregister removes s unless a newer session replaced it, and reports
// whether it did.
func (h *TileHub) unregister(s *wsSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.viewer.ID] != s {
		return false
	}
	delete(h.sessions, s.viewer.ID)
	s.closed = true
	close(s.out)
	return true
}

type shownMsg struct {
	Artifact ArtifactID `json:"artifact"`
}

// Handler serves GET /ws?viewer=<id>&world=<name>. Connecting counts as a
// join. Clients may send {"artifact": "<id>"} when an artifact comes into
// view to have its tile re-sent.
func (h *TileHub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		v := Viewer{ID: ViewerID(r.URL.Query().Get("viewer")), World: r.URL.Query().Get("world")}
		if v.ID == "" || v.World == "" {
			http.Error(rw, "viewer and world are required", http.StatusBadRequest)
			return
		}

		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s := h.register(v, conn)
		h.log.Info("viewer connected", zap.String("viewer", string(v.ID)), zap.String("world", v.World))
		if l := h.currentListener(); l != nil {
			l.ViewerJoined(v)
		}

		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for frame := range s.out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					h.log.Debug("tile write failed", zap.String("viewer", string(v.ID)), zap.Error(err))
					_ = conn.Close()
					for range s.out {
					}
					return
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var m shownMsg
			if err := json.Unmarshal(msg, &m); err != nil || m.Artifact == "" {
				continue
			}
			if l := h.currentListener(); l != nil {
				l.ArtifactShown(v.ID, m.Artifact)
			}
		}

		if h.unregister(s) {
			if l := h.currentListener(); l != nil {
				l.ViewerLeft(v.ID)
			}
		}
		h.log.Info("viewer disconnected", zap.String("viewer", string(v.ID)))

		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// CloseAll drops every session.
func (h *TileHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		s.end()
		delete(h.sessions, id)
	}
}
