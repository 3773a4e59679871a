package events

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Hub fans interim and segment events out to connected websocket viewers.
// A viewer that cannot keep up is disconnected rather than slowing the feed.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*viewer]struct{}
	closed  bool
}

type viewer struct {
	conn *websocket.Conn
	send chan any
	once sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() { close(v.send) })
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logging.WithComponent("events.hub"),
		clients: make(map[*viewer]struct{}),
	}
}

// PublishInterim broadcasts an interim update.
func (h *Hub) PublishInterim(_ context.Context, ev models.TranscriptInterim) error {
	h.broadcast(ev)
	return nil
}

// PublishSegment broadcasts a new or patched segment.
func (h *Hub) PublishSegment(_ context.Context, ev models.TranscriptSegment) error {
	h.broadcast(ev)
	return nil
}

func (h *Hub) broadcast(ev any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.clients {
		select {
		case v.send <- ev:
		default:
			h.logger.Warn().Msg("Viewer too slow, disconnecting")
			delete(h.clients, v)
			v.close()
		}
	}
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the viewer
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	v := &viewer{conn: conn, send: make(chan any, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[v] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("viewers", count).Msg("Viewer connected")

	go h.readLoop(v)
	h.writeLoop(v)
}

// readLoop discards client messages and unregisters on disconnect.
func (h *Hub) readLoop(v *viewer) {
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(v)
}

func (h *Hub) writeLoop(v *viewer) {
	defer v.conn.Close()
	for ev := range v.send {
		_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := v.conn.WriteJSON(ev); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug().Err(err).Msg("Viewer write failed")
			}
			h.remove(v)
			return
		}
	}
	_ = v.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	if _, ok := h.clients[v]; ok {
		delete(h.clients, v)
		h.logger.Info().Int("viewers", len(h.clients)).Msg("Viewer disconnected")
	}
	h.mu.Unlock()
	v.close()
}

// Close disconnects every viewer and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for v := range h.clients {
		delete(h.clients, v)
		v.close()
	}
	return nil
}

// Feed is a live transcript consumer.
type Feed interface {
	PublishInterim(ctx context.Context, ev models.TranscriptInterim) error
	PublishSegment(ctx context.Context, ev models.TranscriptSegment) error
}

// Feeds publishes to every feed in order and joins their errors.
type Feeds []Feed

func (fs Feeds) PublishInterim(ctx context.Context, ev models.TranscriptInterim) error {
	var errs []error
	for _, f := range fs {
		errs = append(errs, f.PublishInterim(ctx, ev))
	}
	return errors.Join(errs...)
}

func (fs Feeds) PublishSegment(ctx context.Context, ev models.TranscriptSegment) error {
	var errs []error
	for _, f := range fs {
		errs = append(errs, f.PublishSegment(ctx, ev))
	}
	return errors.Join(errs...)
}
