// Package httpservice is the primary concrete bus.Service: it turns a
// busconfig.ServiceConfig into an outbound HTTP call, substituting the
// request template and feeding the response body into the bus's
// streaming pipeline chunk by chunk. HTTP client construction is
// adapted wholesale from internal/httpkit/httpkit.go (functional
// options over a shared http.Transport); the one behavioral change is
// that the response body is streamed to the caller's onData callback
// instead of being drained into a single buffer, per spec §4.7.1.
package httpservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mevansam/gobus/internal/buildinfo"
	"github.com/mevansam/gobus/internal/busconfig"
	"github.com/mevansam/gobus/internal/busmsg"
)

// Default timeouts and connection pool limits for the shared transport,
// unchanged from httpkit's own defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5

	// chunkSize is the read buffer size fed to onData while streaming a
	// response body.
	chunkSize = 4096
)

// Option configures a Service built by New.
type Option func(*serviceConfig)

type serviceConfig struct {
	transport             *http.Transport
	tlsInsecureSkipVerify bool
	logger                *slog.Logger
}

// WithTransport overrides the default shared transport.
func WithTransport(t *http.Transport) Option {
	return func(c *serviceConfig) { c.transport = t }
}

// WithTLSInsecureSkipVerify skips TLS certificate verification. Use
// only for local/development targets.
func WithTLSInsecureSkipVerify() Option {
	return func(c *serviceConfig) { c.tlsInsecureSkipVerify = true }
}

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *serviceConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with httpkit's sensible
// defaults: explicit dial/TLS/idle timeouts and a bounded connection
// pool.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// templateToken is one piece of a pre-split request template: either a
// literal run of bytes or a {{name}} variable reference. Splitting the
// template once at registration time (rather than recompiling a regex
// per request) is the original ServiceConfigManager's own HttpService
// behavior, carried forward here (§12.4).
type templateToken struct {
	literal string
	varName string // empty for a literal token
}

// Service is a concrete bus.Service backed by one HTTP endpoint,
// configured from a busconfig.ServiceConfig.
type Service struct {
	cfg    *busconfig.ServiceConfig
	tokens map[string]string
	client *http.Client
	logger *slog.Logger
	tmpl   []templateToken
}

// New builds a Service for cfg. tokens is the ConfigLoader's token map,
// consulted as the second-priority substitution source for {{var}}
// placeholders in the request template (first priority is the
// request's own NV param bag, per spec §6).
func New(cfg *busconfig.ServiceConfig, tokens map[string]string, opts ...Option) *Service {
	sc := &serviceConfig{}
	for _, o := range opts {
		o(sc)
	}

	t := sc.transport
	if t == nil {
		t = NewTransport()
	}
	if sc.tlsInsecureSkipVerify {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	logger := sc.logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.HTTP.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Service{
		cfg:    cfg,
		tokens: tokens,
		logger: logger,
		tmpl:   splitTemplate(cfg.RequestTemplate),
		client: &http.Client{
			Timeout: timeout,
			Transport: &userAgentTransport{
				base: t,
				ua:   buildinfo.UserAgent(),
			},
		},
	}
}

// splitTemplate splits a requestTemplate body into an alternating
// literal/variable token list once, per §12.4.
func splitTemplate(body string) []templateToken {
	var toks []templateToken
	rest := body
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				toks = append(toks, templateToken{literal: rest})
			}
			return toks
		}
		if start > 0 {
			toks = append(toks, templateToken{literal: rest[:start]})
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			// Unterminated placeholder: treat the remainder as a literal.
			toks = append(toks, templateToken{literal: "{{" + rest})
			return toks
		}
		toks = append(toks, templateToken{varName: strings.TrimSpace(rest[:end])})
		rest = rest[end+2:]
	}
}

// render substitutes {{name}} tokens: the request's own NV param bag
// first, then the ConfigLoader's token map, then left literal if
// unresolved, per spec §6.
func (s *Service) render(params map[string]string) string {
	var b strings.Builder
	for _, tok := range s.tmpl {
		if tok.varName == "" {
			b.WriteString(tok.literal)
			continue
		}
		if v, ok := params[tok.varName]; ok {
			b.WriteString(v)
			continue
		}
		if v, ok := s.tokens[tok.varName]; ok {
			b.WriteString(v)
			continue
		}
		b.WriteString("{{" + tok.varName + "}}")
	}
	return b.String()
}

// CreateMessage builds a default request message for this service's
// subject, satisfying bus.Provider.
func (s *Service) CreateMessage(subject string, kind busmsg.Kind) *busmsg.Message {
	msg := busmsg.New(subject, kind, busmsg.ContentNVMap)
	msg.NV = make(map[string]string)
	return msg
}

// Initialize is a no-op: the shared client is built in New.
func (s *Service) Initialize() error { return nil }

// Destroy closes idle connections held by the client's transport.
func (s *Service) Destroy() error {
	s.client.CloseIdleConnections()
	return nil
}

// Send issues the HTTP request described by this service's config,
// substituting the request template from req's NV param bag, and
// streams the response body to onData chunkSize bytes at a time,
// calling onData once more with an empty slice at end-of-stream.
func (s *Service) Send(ctx context.Context, req *busmsg.Message, onData func(buf []byte)) error {
	body := s.render(req.NV)

	method := s.cfg.HTTP.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewReader([]byte(body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bodyReader)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", s.cfg.Name, err)
	}
	if s.cfg.HTTP.ContentType != "" {
		httpReq.Header.Set("Content-Type", s.cfg.HTTP.ContentType)
	}
	for k, v := range s.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody := readErrorBody(resp.Body, 4096)
		return fmt.Errorf("%s: status %d: %s", s.cfg.Name, resp.StatusCode, errBody)
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if rerr == io.EOF {
			onData(nil)
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%s: read response: %w", s.cfg.Name, rerr)
		}
	}
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set, unchanged from httpkit's own transport.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// readErrorBody reads up to limit bytes from rc for an error message,
// then drains and closes the remainder so the connection can be
// reused, unchanged from httpkit.ReadErrorBody's own behavior.
func readErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(b)
}
