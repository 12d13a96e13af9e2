package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/forgeworks/specforge/internal/gateway"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/pipeline"
)

// dialEvents opens the event stream for a build. The dial context must
// outlive the connection, so it is bound to test cleanup rather than a
// defer.
func dialEvents(t *testing.T, ts *httptest.Server, path string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+path, opts)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn, into any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Read(ctx, conn, into)
}

// collectFrames reads build events until the server closes the stream,
// returning the frames and the read error that ended it.
func collectFrames(t *testing.T, conn *websocket.Conn) ([]persistence.BuildEvent, error) {
	t.Helper()
	var events []persistence.BuildEvent
	for {
		var ev persistence.BuildEvent
		if err := readFrame(t, conn, &ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestEventStream_ReplaysFinishedBuild(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.orchestrator().Execute(context.Background(), widgetRequest)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("execute status = %q, want success", res.Status)
	}

	const token = "stream-secret"
	ts := newTestServer(t, env, gateway.Config{AuthToken: token})

	conn, _, err := dialEvents(t, ts, "/v1/builds/"+res.BuildID+"/events?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	events, err := collectFrames(t, conn)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("stream ended with %v, want normal closure", err)
	}
	if len(events) == 0 {
		t.Fatal("replay delivered no events")
	}
	if events[0].EventType != "build.enqueued" {
		t.Errorf("first event = %q, want build.enqueued", events[0].EventType)
	}
	if last := events[len(events)-1].EventType; last != "build.succeeded" {
		t.Errorf("last event = %q, want build.succeeded", last)
	}
	stageCommits := 0
	for i, ev := range events {
		if ev.BuildID != res.BuildID {
			t.Errorf("event %d carries build %s, want %s", i, ev.BuildID, res.BuildID)
		}
		if i > 0 && ev.EventID <= events[i-1].EventID {
			t.Errorf("event ids not ascending at %d: %d after %d", i, ev.EventID, events[i-1].EventID)
		}
		if ev.EventType == "build.stage_committed" {
			stageCommits++
		}
	}
	if stageCommits < 8 {
		t.Errorf("stage commits = %d, want one per stage", stageCommits)
	}
}

func TestEventStream_ForwardsLiveEventsAcrossRename(t *testing.T) {
	env := newTestEnv(t)
	orch := env.orchestrator()

	provisional, created, err := orch.Submit(context.Background(), widgetRequest)
	if err != nil || !created {
		t.Fatalf("submit = (%v, %v), want fresh build", created, err)
	}

	ts := newTestServer(t, env, gateway.Config{})
	conn, _, err := dialEvents(t, ts, "/v1/builds/"+provisional+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Replay holds just the enqueue; everything after arrives live.
	var first persistence.BuildEvent
	if err := readFrame(t, conn, &first); err != nil {
		t.Fatalf("read enqueue frame: %v", err)
	}
	if first.EventType != "build.enqueued" {
		t.Fatalf("first event = %q, want build.enqueued", first.EventType)
	}

	resCh := make(chan *pipeline.BuildResult, 1)
	go func() {
		res, err := env.orchestrator().RunNext(context.Background())
		if err != nil {
			t.Errorf("run next: %v", err)
		}
		resCh <- res
	}()

	events, err := collectFrames(t, conn)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("stream ended with %v, want normal closure", err)
	}
	res := <-resCh
	if res == nil || res.Status != pipeline.StatusSuccess {
		t.Fatalf("worker result = %+v, want success", res)
	}
	if res.BuildID == provisional {
		t.Fatal("expected the capability match to realize a new build id")
	}

	identified := false
	for _, ev := range events {
		if ev.EventType == "build.identified" {
			identified = true
		}
	}
	if !identified {
		t.Error("stream never delivered the build.identified event")
	}
	if last := events[len(events)-1]; last.EventType != "build.succeeded" || last.BuildID != res.BuildID {
		t.Errorf("last event = %s/%s, want build.succeeded under %s",
			last.EventType, last.BuildID, res.BuildID)
	}
}

func TestEventStream_ResumesFromEventID(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.orchestrator().Execute(context.Background(), widgetRequest)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	all, err := env.store.ListBuildEvents(context.Background(), res.BuildID, 0, 100)
	if err != nil || len(all) < 2 {
		t.Fatalf("list events = (%d, %v), want the full log", len(all), err)
	}

	ts := newTestServer(t, env, gateway.Config{})

	t.Run("tail replay", func(t *testing.T) {
		from := all[len(all)-2].EventID
		conn, _, err := dialEvents(t, ts,
			"/v1/builds/"+res.BuildID+"/events?from_event_id="+strconv.FormatInt(from, 10), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		events, err := collectFrames(t, conn)
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.Fatalf("stream ended with %v, want normal closure", err)
		}
		if len(events) != 1 || events[0].EventType != "build.succeeded" {
			t.Errorf("tail = %+v, want just the terminal event", events)
		}
	})

	t.Run("caught-up client closes immediately", func(t *testing.T) {
		from := all[len(all)-1].EventID
		conn, _, err := dialEvents(t, ts,
			"/v1/builds/"+res.BuildID+"/events?from_event_id="+strconv.FormatInt(from, 10), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		events, err := collectFrames(t, conn)
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.Fatalf("stream ended with %v, want normal closure", err)
		}
		if len(events) != 0 {
			t.Errorf("events = %+v, want none past the terminal id", events)
		}
	})

	t.Run("malformed cursor", func(t *testing.T) {
		_, resp, err := dialEvents(t, ts, "/v1/builds/"+res.BuildID+"/events?from_event_id=abc", nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Errorf("handshake response = %+v, want 400", resp)
		}
	})
}

func TestEventStream_BackpressureClose(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.orchestrator().Submit(context.Background(), widgetRequest)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 70; i++ {
		if _, err := env.store.DB().Exec(`
			INSERT INTO build_events (build_id, event_type, state_from, state_to, payload_json)
			VALUES (?, 'build.stage_committed', 'RUNNING', 'RUNNING', '{}');
		`, id); err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
	}

	ts := newTestServer(t, env, gateway.Config{})
	conn, _, err := dialEvents(t, ts, "/v1/builds/"+id+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var warning map[string]any
	if err := readFrame(t, conn, &warning); err != nil {
		t.Fatalf("read backpressure frame: %v", err)
	}
	if warning["error"] != "replay_window_too_large" {
		t.Errorf("frame = %+v, want a replay_window_too_large error", warning)
	}
	var next map[string]any
	err = readFrame(t, conn, &next)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close = %v, want policy violation", err)
	}
}

func TestEventStream_Handshake(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.orchestrator().Submit(context.Background(), widgetRequest)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	const token = "stream-secret"
	ts := newTestServer(t, env, gateway.Config{
		AuthToken:    token,
		AllowOrigins: []string{"dash.example"},
	})

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := dialEvents(t, ts, "/v1/builds/"+id+"/events", nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("handshake response = %+v, want 401", resp)
		}
	})

	t.Run("unknown build", func(t *testing.T) {
		_, resp, err := dialEvents(t, ts, "/v1/builds/bld-ghost/events?token="+token, nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Errorf("handshake response = %+v, want 404", resp)
		}
	})

	t.Run("denied origin", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("Origin", "https://evil.example")
		_, _, err := dialEvents(t, ts, "/v1/builds/"+id+"/events?token="+token,
			&websocket.DialOptions{HTTPHeader: hdr})
		if err == nil {
			t.Fatal("expected the origin check to reject the handshake")
		}
	})

	t.Run("allowlisted origin", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("Origin", "https://dash.example")
		conn, _, err := dialEvents(t, ts, "/v1/builds/"+id+"/events?token="+token,
			&websocket.DialOptions{HTTPHeader: hdr})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		var ev persistence.BuildEvent
		if err := readFrame(t, conn, &ev); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if ev.EventType != "build.enqueued" {
			t.Errorf("first event = %q, want build.enqueued", ev.EventType)
		}
	})
}
