// Package mqttservice is a concrete bus.Service bridging MQTT topic
// traffic into P2P/Resp bus messages, demonstrating a non-HTTP
// Provider. Connection management is adapted from
// internal/mqtt/publisher.go's autopaho.ConnectionManager wiring
// (OnConnectionUp subscribe, AddOnPublishReceived dispatch); the
// inbound message rate limiter is adapted from
// internal/mqtt/subscriber.go's messageRateLimiter.
package mqttservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/mevansam/gobus/internal/busconfig"
	"github.com/mevansam/gobus/internal/busmsg"
)

// Header keys recognized in a ServiceConfig's Headers map to name the
// request/response MQTT topics, since the shared service-config XML
// vocabulary (spec §4.8) has no MQTT-specific element.
const (
	HeaderRequestTopic  = "mqtt-request-topic"
	HeaderResponseTopic = "mqtt-response-topic"
)

// Service bridges one MQTT broker connection into a bus.Service: Send
// publishes the rendered request template to the configured request
// topic, then relays every message received on the response topic to
// onData until ctx is done.
type Service struct {
	cfg    *busconfig.ServiceConfig
	tokens map[string]string
	logger *slog.Logger

	requestTopic  string
	responseTopic string

	cm          *autopaho.ConnectionManager
	rateLimiter *messageRateLimiter

	sendMu  chan struct{}
	inbound chan []byte
}

// New builds a Service for cfg. tokens is consulted as the
// second-priority substitution source for {{var}} placeholders in the
// request template.
func New(cfg *busconfig.ServiceConfig, tokens map[string]string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:           cfg,
		tokens:        tokens,
		logger:        logger,
		requestTopic:  cfg.Headers[HeaderRequestTopic],
		responseTopic: cfg.Headers[HeaderResponseTopic],
		sendMu:        make(chan struct{}, 1),
		inbound:       make(chan []byte, 64),
	}
}

// CreateMessage builds a default request message for this service's
// subject, satisfying bus.Provider.
func (s *Service) CreateMessage(subject string, kind busmsg.Kind) *busmsg.Message {
	msg := busmsg.New(subject, kind, busmsg.ContentNVMap)
	msg.NV = make(map[string]string)
	return msg
}

// Initialize connects to the broker named by cfg.URL and, on every
// (re-)connect, subscribes to the response topic, matching the
// teacher's own OnConnectionUp resubscribe pattern (autopaho does not
// remember subscriptions across a reconnect).
func (s *Service) Initialize() error {
	if s.requestTopic == "" {
		return fmt.Errorf("%s: missing %s header", s.cfg.Name, HeaderRequestTopic)
	}

	brokerURL, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%s: parse broker url: %w", s.cfg.Name, err)
	}

	s.rateLimiter = newMessageRateLimiter(100, time.Second, s.logger)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			if s.responseTopic == "" {
				return
			}
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: s.responseTopic, QoS: 0}},
			}); err != nil {
				s.logger.Error("mqttservice: subscribe failed", "service", s.cfg.Name, "topic", s.responseTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqttservice: connection error", "service", s.cfg.Name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "gobus-" + strings.ReplaceAll(s.cfg.Name, " ", "-"),
		},
	}

	if s.responseTopic != "" {
		go s.rateLimiter.start(context.Background())
	}

	ctx := context.Background()
	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("%s: connect: %w", s.cfg.Name, err)
	}

	if s.responseTopic != "" {
		cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
			if pr.Packet.Topic != s.responseTopic {
				return false, nil
			}
			if !s.rateLimiter.allow() {
				return true, nil
			}
			select {
			case s.inbound <- pr.Packet.Payload:
			default:
				s.logger.Warn("mqttservice: inbound buffer full, dropping message", "service", s.cfg.Name)
			}
			return true, nil
		})
	}

	s.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqttservice: initial connection timed out, will retry in background", "service", s.cfg.Name, "error", err)
	}
	return nil
}

// Destroy disconnects from the broker.
func (s *Service) Destroy() error {
	if s.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cm.Disconnect(ctx)
}

// Send publishes the rendered request template to the request topic,
// then relays messages arriving on the response topic to onData until
// ctx is done, at which point onData is called once with an empty
// slice to mark end-of-stream. Only one Send runs at a time per
// Service.
func (s *Service) Send(ctx context.Context, req *busmsg.Message, onData func(buf []byte)) error {
	select {
	case s.sendMu <- struct{}{}:
		defer func() { <-s.sendMu }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.cm == nil {
		return fmt.Errorf("%s: mqtt not connected", s.cfg.Name)
	}

	body := render(s.cfg.RequestTemplate, req.NV, s.tokens)
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.requestTopic,
		Payload: []byte(body),
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("%s: publish request: %w", s.cfg.Name, err)
	}

	if s.responseTopic == "" {
		onData(nil)
		return nil
	}

	for {
		select {
		case payload := <-s.inbound:
			onData(payload)
		case <-ctx.Done():
			onData(nil)
			return nil
		}
	}
}

// render substitutes {{name}} tokens from params first, then tokens,
// then leaves the placeholder literal if unresolved, per spec §6.
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

// messageRateLimiter tracks inbound message rates and drops messages
// exceeding the configured threshold, adapted from
// internal/mqtt/subscriber.go's rate limiter.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqttservice: messages dropped due to rate limit",
					"received", count, "dropped", dropped, "interval", r.interval.String(), "limit", r.limit)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
