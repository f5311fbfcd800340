// Package wsservice is a concrete bus.Service that streams a response
// over a long-lived websocket connection instead of one-shot HTTP,
// demonstrating RespStream end-to-end. It is grounded on
// internal/homeassistant/websocket.go's connect/read-pump pattern:
// dial once in Initialize, and let Send write one request frame, then
// read every subsequent inbound frame itself and relay it to the
// caller's onData until the request's context is done or the
// connection closes. There is no background read loop.
package wsservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mevansam/gobus/internal/busconfig"
	"github.com/mevansam/gobus/internal/busmsg"
)

// Buffer sizes for the underlying connection, matching the teacher's
// own oversized defaults for chatty, bursty event feeds.
const (
	readBufferSize  = 1024 * 1024
	writeBufferSize = 64 * 1024
	maxMessageSize  = 100 * 1024 * 1024
)

// Service streams responses from one websocket endpoint, relaying
// inbound frames to whichever Send call is currently in flight. Only
// one Send is serviced at a time; a second concurrent Send on the same
// Service blocks until the first completes, since the pack's original
// shows a single shared connection per service, not per-request
// multiplexing.
type Service struct {
	cfg    *busconfig.ServiceConfig
	tokens map[string]string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	sendMu sync.Mutex
}

// New builds a Service for cfg. tokens is consulted when rendering the
// request template's {{var}} placeholders (second priority, after the
// request's own NV param bag).
func New(cfg *busconfig.ServiceConfig, tokens map[string]string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, tokens: tokens, logger: logger}
}

// CreateMessage builds a default request message for this service's
// subject, satisfying bus.Provider.
func (s *Service) CreateMessage(subject string, kind busmsg.Kind) *busmsg.Message {
	msg := busmsg.New(subject, kind, busmsg.ContentNVMap)
	msg.NV = make(map[string]string)
	return msg
}

// Initialize dials the websocket endpoint, converting an http(s) URL
// to its ws(s) equivalent as the teacher's own Connect does.
func (s *Service) Initialize() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url for %s: %w", s.cfg.Name, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket for %s: %w", s.cfg.Name, err)
	}
	conn.SetReadLimit(maxMessageSize)
	s.conn = conn
	return nil
}

// Destroy closes the websocket connection.
func (s *Service) Destroy() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Send renders the request template from req's NV param bag and this
// service's token map, writes it as one text frame, then relays every
// subsequent inbound frame to onData until ctx is done or the
// connection closes, finally calling onData once with an empty slice
// to mark end-of-stream.
func (s *Service) Send(ctx context.Context, req *busmsg.Message, onData func(buf []byte)) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: websocket not connected", s.cfg.Name)
	}

	body := render(s.cfg.RequestTemplate, req.NV, s.tokens)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(body)); err != nil {
		return fmt.Errorf("%s: write request frame: %w", s.cfg.Name, err)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			onData(nil)
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%s: read response frame: %w", s.cfg.Name, err)
		}
		onData(buf)
	}
}

// render substitutes {{name}} tokens from params first, then tokens,
// then leaves the placeholder literal if unresolved, per spec §6.
// wsservice's request templates are rendered per-call rather than
// pre-split at registration (unlike httpservice): a websocket service
// sends far less traffic than an HTTP one, so the per-request scan
// cost here is not worth a second template-compilation scheme.
func render(tmpl string, params, tokens map[string]string) string {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			b.WriteString("{{" + rest)
			return b.String()
		}
		name := strings.TrimSpace(rest[:end])
		if v, ok := params[name]; ok {
			b.WriteString(v)
		} else if v, ok := tokens[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString("{{" + name + "}}")
		}
		rest = rest[end+2:]
	}
}
