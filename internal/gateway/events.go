package gateway

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/persistence"
)

// backpressureFrame is sent before a policy-violation close when the
// requested replay window exceeds maxReplayEventsPerStream.
type backpressureFrame struct {
	Error     string `json:"error"`
	MaxEvents int    `json:"max_events"`
}

// handleBuildEvents upgrades to a WebSocket and streams one frame per
// persisted build event: a bounded replay from from_event_id, then live
// events until the build reaches a terminal state.
func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request, buildID string) {
	var fromID int64
	if v := r.URL.Query().Get("from_event_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid from_event_id", http.StatusBadRequest)
			return
		}
		fromID = n
	}
	// Unknown ids get a clean HTTP error instead of a post-upgrade
	// close; provisional ids from submit follow their rename.
	resolved, err := s.resolveBuild(r.Context(), buildID)
	if err != nil {
		http.Error(w, "build not found", notFoundAsStatus(err))
		return
	}
	buildID = resolved

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "build_id", buildID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	// The client never sends frames after the handshake. CloseRead keeps
	// control frames flowing and cancels the context when the peer goes
	// away.
	ctx := conn.CloseRead(r.Context())
	s.streamBuildEvents(ctx, conn, buildID, fromID)
}

func (s *Server) streamBuildEvents(ctx context.Context, conn *websocket.Conn, buildID string, fromID int64) {
	// Subscribe before the replay query so events landing mid-replay
	// surface as wakeups instead of falling into a gap. The durable
	// event log stays the source of truth; bus events only say "look
	// again".
	sub := s.cfg.Bus.Subscribe("build.")
	defer s.cfg.Bus.Unsubscribe(sub)

	replay, err := s.cfg.Store.ListBuildEvents(ctx, buildID, fromID, maxReplayEventsPerStream+1)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "replay failed")
		return
	}
	if len(replay) > maxReplayEventsPerStream {
		_ = wsjson.Write(ctx, conn, backpressureFrame{
			Error:     "replay_window_too_large",
			MaxEvents: maxReplayEventsPerStream,
		})
		_ = conn.Close(websocket.StatusPolicyViolation, "backpressure")
		return
	}

	lastID, done := s.forwardEvents(ctx, conn, replay, fromID)
	if lastID < 0 {
		return
	}
	if !done {
		// A build that finished before this subscribe may hold its
		// terminal event at or below fromID; without this check the
		// stream would wait forever for a wakeup that already fired.
		if b, err := s.cfg.Store.GetBuild(ctx, buildID); err == nil && b.Terminal() {
			if fresh, ferr := s.cfg.Store.ListBuildEvents(ctx, buildID, lastID, 100); ferr == nil {
				if id, _ := s.forwardEvents(ctx, conn, fresh, lastID); id < 0 {
					return
				}
			}
			done = true
		}
	}
	if done {
		_ = conn.Close(websocket.StatusNormalClosure, "build finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if eventBuildID(ev.Payload) != buildID {
				// The build realizes a content id at capability match
				// and wakeups then carry the new id. Rebind before
				// treating the event as another build's.
				next, rerr := s.resolveBuild(ctx, buildID)
				if rerr != nil || next == buildID {
					continue
				}
				buildID = next
			}
			fresh, err := s.cfg.Store.ListBuildEvents(ctx, buildID, lastID, 100)
			if err != nil {
				slog.Warn("gateway: event requery failed", "build_id", buildID, "error", err)
				continue
			}
			var id int64
			id, done = s.forwardEvents(ctx, conn, fresh, lastID)
			if done {
				_ = conn.Close(websocket.StatusNormalClosure, "build finished")
				return
			}
			if id < 0 {
				return
			}
			lastID = id
		}
	}
}

// forwardEvents writes each event as one frame and reports the new
// high-water mark plus whether a terminal event went out. A write error
// returns -1; the connection is already dead.
func (s *Server) forwardEvents(ctx context.Context, conn *websocket.Conn, events []persistence.BuildEvent, lastID int64) (int64, bool) {
	terminal := false
	for _, ev := range events {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return -1, false
		}
		if ev.EventID > lastID {
			lastID = ev.EventID
		}
		if isTerminalEvent(ev.EventType) {
			terminal = true
		}
	}
	return lastID, terminal
}

// resolveBuild loads the id a build carries now, following the rename
// a capability match performs so a provisional id from submit keeps
// addressing its build.
func (s *Server) resolveBuild(ctx context.Context, buildID string) (string, error) {
	_, err := s.cfg.Store.GetBuild(ctx, buildID)
	if err == nil {
		return buildID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	resolved, err := s.cfg.Store.ResolveBuildID(ctx, buildID)
	if err != nil {
		return "", err
	}
	if resolved == buildID {
		return "", sql.ErrNoRows
	}
	if _, err := s.cfg.Store.GetBuild(ctx, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// isTerminalEvent reports whether an event type ends the stream. A
// build halted for clarification closes too; watching its reopened run
// is a fresh subscribe from the last seen event id.
func isTerminalEvent(eventType string) bool {
	switch eventType {
	case "build.succeeded", "build.rejected", "build.failed",
		"build.needs_clarification", "build.canceled":
		return true
	}
	return false
}

// eventBuildID extracts the build id from a bus payload. Unknown
// payload shapes return empty and are skipped.
func eventBuildID(payload any) string {
	switch p := payload.(type) {
	case bus.BuildCreatedEvent:
		return p.BuildID
	case bus.StageCommittedEvent:
		return p.BuildID
	case bus.RetryScheduledEvent:
		return p.BuildID
	case bus.ClarificationEvent:
		return p.BuildID
	case bus.BuildFinishedEvent:
		return p.BuildID
	}
	return ""
}
