package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/otcheredev/viewer-core/internal/loading"
	"github.com/otcheredev/viewer-core/internal/session"
	"github.com/otcheredev/viewer-core/pkg/logger"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// ProgressHandler streams stack progress changes over a websocket
type ProgressHandler struct {
	session  *session.Session
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewProgressHandler creates the progress feed handler. Websocket upgrades
// are accepted from allowedOrigins, "*" allowing any.
func NewProgressHandler(sess *session.Session, allowedOrigins []string) *ProgressHandler {
	h := &ProgressHandler{
		session: sess,
		log:     logger.Component("progress"),
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
	return h
}

// Serve upgrades the connection and forwards every progress change. The
// displaySetUid query parameter, repeatable, restricts the feed to the
// given display sets. Current values are sent first.
func (h *ProgressHandler) Serve(w http.ResponseWriter, r *http.Request) {
	keys := make(map[string]bool)
	for _, uid := range r.URL.Query()["displaySetUid"] {
		keys[loading.SessionKey(uid)] = true
	}
	wanted := func(key string) bool {
		if len(keys) == 0 {
			return strings.HasPrefix(key, loading.SessionKeyPrefix)
		}
		return keys[key]
	}

	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	send := make(chan session.Change, sendBuffer)
	sub := h.session.Watch(func(c session.Change) {
		if !wanted(c.Key) {
			return
		}
		select {
		case send <- c:
		default:
			h.log.Debug().Str("key", c.Key).Msg("Progress client too slow, change dropped")
		}
	})
	defer sub.Unsubscribe()

	h.sendCurrent(r.Context(), keys, send)

	done := make(chan struct{})
	go h.write(wc, send, done)
	h.read(wc)
	close(done)
}

func (h *ProgressHandler) sendCurrent(ctx context.Context, keys map[string]bool, send chan<- session.Change) {
	var list []string
	if len(keys) == 0 {
		var err error
		list, err = h.session.Keys(ctx, loading.SessionKeyPrefix)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to list progress keys")
			return
		}
	} else {
		for k := range keys {
			list = append(list, k)
		}
	}

	for _, key := range list {
		raw, err := h.session.GetRaw(ctx, key)
		if err != nil {
			if !errors.Is(err, session.ErrNotFound) {
				h.log.Warn().Err(err).Str("key", key).Msg("Failed to read progress")
			}
			continue
		}
		select {
		case send <- session.Change{Key: key, Value: raw}:
		default:
			return
		}
	}
}

// read consumes client frames until the connection closes
func (h *ProgressHandler) read(wc *websocket.Conn) {
	for {
		if _, _, err := wc.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("Progress client read failed")
			}
			return
		}
	}
}

func (h *ProgressHandler) write(wc *websocket.Conn, send <-chan session.Change, done <-chan struct{}) {
	defer wc.Close()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case c := <-send:
			wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteJSON(c); err != nil {
				return
			}
		case <-t.C:
			wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
