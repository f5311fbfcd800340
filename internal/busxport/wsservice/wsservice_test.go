package wsservice

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mevansam/gobus/internal/busconfig"
	"github.com/mevansam/gobus/internal/busmsg"
)

func TestRenderPrefersParamsOverTokens(t *testing.T) {
	got := render("city={{city}}&units={{units}}",
		map[string]string{"city": "Boston"},
		map[string]string{"city": "fallback", "units": "metric"})
	if got != "city=Boston&units=metric" {
		t.Fatalf("render() = %q", got)
	}
}

func TestRenderLeavesUnresolvedLiteral(t *testing.T) {
	got := render("q={{missing}}", nil, nil)
	if got != "q={{missing}}" {
		t.Fatalf("render() = %q", got)
	}
}

var upgrader = websocket.Upgrader{}

func TestSendRelaysFramesUntilServerCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, req, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(req), "Boston") {
			t.Errorf("server got unexpected request body: %s", req)
		}

		conn.WriteMessage(websocket.TextMessage, []byte("frame-1"))
		conn.WriteMessage(websocket.TextMessage, []byte("frame-2"))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	cfg := &busconfig.ServiceConfig{
		Name:            "events",
		URL:             srv.URL,
		RequestTemplate: "city={{city}}",
	}
	svc := New(cfg, nil, nil)
	if err := svc.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer svc.Destroy()

	var frames []string
	var gotEOS bool
	req := busmsg.New("events", busmsg.KindP2PSub, busmsg.ContentNVMap)
	req.NV = map[string]string{"city": "Boston"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Send(t.Context(), req, func(buf []byte) {
			if len(buf) == 0 {
				gotEOS = true
				return
			}
			frames = append(frames, string(buf))
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Send to return")
	}

	if len(frames) != 2 || frames[0] != "frame-1" || frames[1] != "frame-2" {
		t.Fatalf("frames = %+v", frames)
	}
	if !gotEOS {
		t.Fatal("expected an end-of-stream callback")
	}
}
