// Package bus implements the central registry and dispatcher described
// by spec §4.7: providers, services, and listeners keyed by subject,
// synchronous send/response, asynchronous multicast post, and the
// streaming response pipeline that drives a TreeBinder off a Service's
// byte callback.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/mevansam/gobus/internal/busaudit"
	"github.com/mevansam/gobus/internal/busmsg"
	"github.com/mevansam/gobus/internal/busqueue"
	"github.com/mevansam/gobus/internal/treebind"
	"github.com/mevansam/gobus/internal/xmldriver"
)

// Provider creates default request messages for a subject; a Service
// satisfies Provider so Bus.CreateMessage can delegate to whichever
// service owns the subject, per spec §4.7.
type Provider interface {
	CreateMessage(subject string, kind busmsg.Kind) *busmsg.Message
}

// Service is the sole contract the core sees for a remote collaborator
// (HTTP, websocket, MQTT, ...): it exclusively owns a subject, can
// build request messages for it, and services point-to-point requests
// by emitting response bytes through onData. onData is called zero or
// more times with a non-empty chunk, then exactly once with an empty
// slice marking end-of-stream (spec §1's "emits response bytes via a
// callback").
type Service interface {
	Provider
	Initialize() error
	Destroy() error
	Send(ctx context.Context, req *busmsg.Message, onData func(buf []byte)) error
}

// passiveListener is a regex-matched multicast registration.
type passiveListener struct {
	pattern  string
	re       *regexp.Regexp
	listener busqueue.Listener
}

// Bus is the central subject registry and dispatcher. All registry
// maps are protected by a reader-writer lock: dispatch (Send/Post)
// takes the read side, registration/unregistration the write side.
type Bus struct {
	logger *slog.Logger
	queue  *busqueue.Queue

	mu               sync.RWMutex
	providers        map[string]Provider
	services         map[string]Service
	activeListeners  map[string][]busqueue.Listener
	passiveListeners []*passiveListener

	subjectRegistered   []func(subject string, isService bool)
	subjectUnregistered []func(subject string, isService bool)

	auditStore *busaudit.Store
}

// WithAuditStore attaches store so every Send dispatch appends a
// Decision row once it completes. Passing nil detaches auditing.
func (b *Bus) WithAuditStore(store *busaudit.Store) *Bus {
	b.auditStore = store
	return b
}

func (b *Bus) recordAudit(subject string, kind busmsg.Kind, service string, started time.Time, resp *busmsg.Message) {
	if b.auditStore == nil {
		return
	}
	d := busaudit.Decision{
		Subject:    subject,
		Kind:       kind.String(),
		Service:    service,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if resp != nil && resp.IsError() {
		d.ErrorKind = resp.Err.String()
		d.ErrorDesc = resp.ErrDesc
	}
	if err := b.auditStore.Record(d); err != nil {
		b.logger.Error("bus: failed to record audit decision", "subject", subject, "error", err)
	}
}

// New returns a Bus driving the given Queue (already Start'd by the
// caller, matching the scheduler's own start/stop lifecycle convention
// elsewhere in the stack).
func New(logger *slog.Logger, queue *busqueue.Queue) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:          logger,
		queue:           queue,
		providers:       make(map[string]Provider),
		services:        make(map[string]Service),
		activeListeners: make(map[string][]busqueue.Listener),
	}
}

// OnSubjectRegistered registers a callback fired whenever a service or
// provider is registered.
func (b *Bus) OnSubjectRegistered(fn func(subject string, isService bool)) {
	b.subjectRegistered = append(b.subjectRegistered, fn)
}

// OnSubjectUnregistered registers a callback fired on unregistration.
func (b *Bus) OnSubjectUnregistered(fn func(subject string, isService bool)) {
	b.subjectUnregistered = append(b.subjectUnregistered, fn)
}

// CreateMessage builds a default message for subject. If a provider is
// registered for subject and kind is Req, the provider builds the
// message; otherwise a plain NVMessage (or, if defaultNV is false, an
// empty DataMessage) is returned. The subject and kind are filled in
// whenever the provider left them unset.
func (b *Bus) CreateMessage(subject string, kind busmsg.Kind, defaultNV bool) *busmsg.Message {
	b.mu.RLock()
	provider, ok := b.providers[subject]
	b.mu.RUnlock()

	var msg *busmsg.Message
	if ok && kind == busmsg.KindReq {
		msg = provider.CreateMessage(subject, kind)
	}
	if msg == nil {
		ct := busmsg.ContentNVMap
		if !defaultNV {
			ct = busmsg.ContentModel
		}
		msg = busmsg.New(subject, kind, ct)
		if defaultNV {
			msg.NV = make(map[string]string)
		}
	}
	if msg.Subject == "" {
		msg.Subject = subject
	}
	if msg.Kind == 0 && kind != 0 {
		msg.Kind = kind
	}
	return msg
}

// RegisterService adds service as both provider and service for
// subject, calls its Initialize, and fires the subject-registered
// callbacks.
func (b *Bus) RegisterService(subject string, service Service) error {
	b.mu.Lock()
	if _, exists := b.services[subject]; exists {
		b.mu.Unlock()
		return busmsg.NewError(busmsg.ErrDuplicateService, "service already registered: "+subject)
	}
	b.services[subject] = service
	b.providers[subject] = service
	b.mu.Unlock()

	if err := service.Initialize(); err != nil {
		b.mu.Lock()
		delete(b.services, subject)
		delete(b.providers, subject)
		b.mu.Unlock()
		return fmt.Errorf("initialize service %s: %w", subject, err)
	}

	for _, cb := range b.subjectRegistered {
		cb(subject, true)
	}
	return nil
}

// UnregisterService fires subject-unregistered callbacks, removes the
// service from the registries, and calls its Destroy.
func (b *Bus) UnregisterService(subject string) error {
	b.mu.Lock()
	service, ok := b.services[subject]
	if !ok {
		b.mu.Unlock()
		return busmsg.NewError(busmsg.ErrUnknownSubject, "no service registered: "+subject)
	}
	delete(b.services, subject)
	delete(b.providers, subject)
	b.mu.Unlock()

	for _, cb := range b.subjectUnregistered {
		cb(subject, true)
	}
	return service.Destroy()
}

// regexMetaRE matches a bare (non-escaped) regex metacharacter used to
// decide active vs. passive listener registration, per spec §4.7.
var regexMetaRE = regexp.MustCompile(`(^|[^\\])[\[\]*+.]`)

func looksLikeRegex(subject string) bool {
	return regexMetaRE.MatchString(subject)
}

// RegisterListener adds l for subject. If subject contains an
// unescaped regex metacharacter it is compiled and added to the
// passive (regex-matched) list; otherwise it is added to the active
// (exact-match) list. Duplicate registration of the same listener for
// the same subject is rejected.
func (b *Bus) RegisterListener(subject string, l busqueue.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if looksLikeRegex(subject) {
		for _, p := range b.passiveListeners {
			if p.pattern == subject && p.listener == l {
				return busmsg.NewError(busmsg.ErrDuplicateListener, "listener already registered: "+subject)
			}
		}
		re, err := regexp.Compile(subject)
		if err != nil {
			return fmt.Errorf("compile listener pattern %q: %w", subject, err)
		}
		b.passiveListeners = append(b.passiveListeners, &passiveListener{pattern: subject, re: re, listener: l})
		return nil
	}

	for _, existing := range b.activeListeners[subject] {
		if existing == l {
			return busmsg.NewError(busmsg.ErrDuplicateListener, "listener already registered: "+subject)
		}
	}
	b.activeListeners[subject] = append(b.activeListeners[subject], l)
	return nil
}

// UnregisterListener removes every active and passive registration of
// l across all subjects.
func (b *Bus) UnregisterListener(l busqueue.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, ls := range b.activeListeners {
		filtered := ls[:0:0]
		for _, existing := range ls {
			if existing != l {
				filtered = append(filtered, existing)
			}
		}
		if len(filtered) == 0 {
			delete(b.activeListeners, subject)
		} else {
			b.activeListeners[subject] = filtered
		}
	}

	kept := b.passiveListeners[:0:0]
	for _, p := range b.passiveListeners {
		if p.listener != l {
			kept = append(kept, p)
		}
	}
	b.passiveListeners = kept
}

// listenersFor resolves the multicast recipients for subject: every
// active registration plus every passive listener whose pattern
// matches.
func (b *Bus) listenersFor(subject string) []busqueue.Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []busqueue.Listener
	out = append(out, b.activeListeners[subject]...)
	for _, p := range b.passiveListeners {
		if p.re.MatchString(subject) {
			out = append(out, p.listener)
		}
	}
	return out
}

// Send performs a synchronous request/response, valid only for P2P or
// P2PSub messages: it looks up the subject's service, installs a
// reply-catching callback, dispatches, and blocks the caller until the
// reply arrives or timeout elapses (0 means wait indefinitely).
func (b *Bus) Send(ctx context.Context, msg *busmsg.Message, timeout time.Duration) *busmsg.Message {
	if msg.Kind != busmsg.KindP2P && msg.Kind != busmsg.KindP2PSub {
		resp := busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrMessageBus, busmsg.ErrMessageBus.Code(), "send is only valid for P2P/P2PSub messages")
		return resp
	}

	b.mu.RLock()
	service, ok := b.services[msg.Subject]
	b.mu.RUnlock()
	if !ok {
		resp := busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrUnknownSubject, busmsg.ErrUnknownSubject.Code(), "no service registered: "+msg.Subject)
		return resp
	}

	sendCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	var resp *busmsg.Message
	defer func() { b.recordAudit(msg.Subject, msg.Kind, msg.Subject, started, resp) }()

	if msg.ContentType == busmsg.ContentModel || msg.Binder != nil {
		resp = b.sendStreaming(sendCtx, service, msg)
		return resp
	}

	ch := make(chan *busmsg.Message, 1)
	var collected []byte
	err := service.Send(sendCtx, msg, func(buf []byte) {
		if len(buf) == 0 {
			r := busmsg.New(msg.Subject, busmsg.KindRespString, busmsg.ContentUnknown)
			r.AppendString(collected)
			select {
			case ch <- r:
			default:
			}
			return
		}
		collected = append(collected, buf...)
	})
	if err != nil {
		resp = busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrService, busmsg.ErrService.Code(), err.Error())
		return resp
	}

	select {
	case resp = <-ch:
		return resp
	case <-sendCtx.Done():
		resp = busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrExecutionTimeout, busmsg.ErrExecutionTimeout.Code(), "synchronous send timed out")
		return resp
	}
}

// sendStreaming drives the streaming pipeline (§4.7.1) synchronously
// for a Send caller whose request carries a TreeBinder.
func (b *Bus) sendStreaming(ctx context.Context, service Service, msg *busmsg.Message) *busmsg.Message {
	um, errMsg := newUnmarshaller(msg)
	if errMsg != nil {
		return errMsg
	}
	defer um.release()

	done := make(chan *busmsg.Message, 1)
	err := service.Send(ctx, msg, func(buf []byte) {
		if resp := um.feed(msg, buf); resp != nil {
			select {
			case done <- resp:
			default:
			}
		}
	})
	if err != nil {
		resp := busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrService, busmsg.ErrService.Code(), err.Error())
		return resp
	}

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		resp := busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrExecutionTimeout, busmsg.ErrExecutionTimeout.Code(), "synchronous send timed out")
		return resp
	}
}

// Post dispatches msg asynchronously, returning the number of
// recipients. P2P/P2PSub messages go to the single registered service
// for the subject (callback is invalid for these kinds); other kinds
// multicast to active+passive listeners plus the optional caller
// callback. A message carrying a TreeBinder and a streaming response
// kind routes through the streaming pipeline instead of going straight
// to the Queue.
func (b *Bus) Post(msg *busmsg.Message, callback busqueue.Listener) (int, error) {
	if msg.Kind == busmsg.KindP2P || msg.Kind == busmsg.KindP2PSub {
		if callback != nil {
			return 0, busmsg.NewError(busmsg.ErrInvalidCallback, "reply callback not allowed on post of a P2P/P2PSub message")
		}
		b.mu.RLock()
		service, ok := b.services[msg.Subject]
		b.mu.RUnlock()
		if !ok {
			return 0, busmsg.NewError(busmsg.ErrUnknownSubject, "no service registered: "+msg.Subject)
		}
		msg.SchedulePost(busmsg.NowMS())
		b.queue.Post(msg, []busqueue.Listener{serviceListener{bus: b, service: service}})
		return 1, nil
	}

	if msg.Binder != nil && (msg.Kind == busmsg.KindRespString || msg.Kind == busmsg.KindRespStream) {
		msg = b.streamPostBinder(msg)
	}

	listeners := b.listenersFor(msg.Subject)
	if callback != nil {
		listeners = append(listeners, callback)
	}

	msg.SchedulePost(busmsg.NowMS())
	b.queue.Post(msg, listeners)
	return len(listeners), nil
}

// streamPostBinder drives the streaming pipeline (§4.7.1) over a message
// that already carries its raw response bytes (accumulated via
// AppendString) and a TreeBinder, synchronously, before the message ever
// reaches the Queue: the returned message is either the parsed Resp (tree
// installed, content type Model) or an error message (Service kind when
// the parse fails, BinderLocked or MessageBus when the binder cannot be
// taken), in either case ready to fan out to listeners in place of the
// raw bytes.
func (b *Bus) streamPostBinder(msg *busmsg.Message) *busmsg.Message {
	um, errMsg := newUnmarshaller(msg)
	if errMsg != nil {
		return errMsg
	}
	defer um.release()

	if raw := []byte(msg.String()); len(raw) > 0 {
		if resp := um.feed(msg, raw); resp != nil {
			return resp
		}
	}
	return um.feed(msg, nil)
}

// serviceListener adapts a P2P Service into a busqueue.Listener: when
// the queue dequeues the request it runs the service synchronously on
// the worker goroutine and forwards the resulting response (or a
// streaming response via the pipeline) to the requester's reply
// callback.
type serviceListener struct {
	bus     *Bus
	service Service
}

func (s serviceListener) OnMessage(msg *busmsg.Message) {
	started := time.Now()
	var final *busmsg.Message
	defer func() { s.bus.recordAudit(msg.Subject, msg.Kind, msg.Subject, started, final) }()

	respond := func(resp *busmsg.Message) {
		final = resp
		if p2p, ok := replyTarget(msg); ok {
			p2p(resp)
		}
	}

	if msg.Binder != nil {
		um, errMsg := newUnmarshaller(msg)
		if errMsg != nil {
			respond(errMsg)
			return
		}
		defer um.release()

		err := s.service.Send(context.Background(), msg, func(buf []byte) {
			if resp := um.feed(msg, buf); resp != nil {
				respond(resp)
			}
		})
		if err != nil {
			resp := busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
			resp.SetError(busmsg.ErrService, busmsg.ErrService.Code(), err.Error())
			respond(resp)
		}
		return
	}

	var collected []byte
	err := s.service.Send(context.Background(), msg, func(buf []byte) {
		if len(buf) == 0 {
			resp := busmsg.New(msg.Subject, busmsg.KindRespString, busmsg.ContentUnknown)
			resp.AppendString(collected)
			respond(resp)
			return
		}
		collected = append(collected, buf...)
	})
	if err != nil {
		resp := busmsg.New(msg.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrService, busmsg.ErrService.Code(), err.Error())
		respond(resp)
	}
}

func replyTarget(msg *busmsg.Message) (busmsg.ReplyFunc, bool) {
	if msg.ReplyCallback == nil {
		return nil, false
	}
	return msg.ReplyCallback, true
}

// unmarshaller wraps an xmldriver.Driver around a treebind.TreeBinder
// for the duration of one streaming response, per spec §4.7.1.
type unmarshaller struct {
	binder *treebind.TreeBinder
	driver *xmldriver.Driver
}

func newUnmarshaller(req *busmsg.Message) (*unmarshaller, *busmsg.Message) {
	tb, ok := req.Binder.(*treebind.TreeBinder)
	if !ok || tb == nil {
		resp := busmsg.New(req.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrMessageBus, busmsg.ErrMessageBus.Code(), "request carries no TreeBinder for a streaming response")
		return nil, resp
	}
	if !tb.Lock() {
		resp := busmsg.New(req.Subject, busmsg.KindError, busmsg.ContentUnknown)
		resp.SetError(busmsg.ErrBinderLocked, busmsg.ErrBinderLocked.Code(), "binder already in use by a concurrent parse")
		return nil, resp
	}
	driver := xmldriver.New(tb)
	tb.BeginBinding()
	return &unmarshaller{binder: tb, driver: driver}, nil
}

// feed consumes one chunk (an empty buf marks end-of-stream) and
// returns the finished response message once end-of-stream has been
// processed, or nil while the stream is still open.
func (u *unmarshaller) feed(req *busmsg.Message, buf []byte) *busmsg.Message {
	if len(buf) > 0 {
		if err := u.driver.Parse(buf, false); err != nil {
			return u.parseErrorResponse(req, err)
		}
		return nil
	}

	if err := u.driver.Parse(nil, true); err != nil {
		return u.parseErrorResponse(req, err)
	}
	tree := u.binder.EndBinding()

	resp := busmsg.New(req.Subject, busmsg.KindResp, busmsg.ContentModel)
	resp.Tree = tree
	return resp
}

func (u *unmarshaller) parseErrorResponse(req *busmsg.Message, err error) *busmsg.Message {
	resp := busmsg.New(req.Subject, busmsg.KindError, busmsg.ContentUnknown)
	resp.SetError(busmsg.ErrService, busmsg.ErrService.Code(), err.Error())
	return resp
}

func (u *unmarshaller) release() {
	u.binder.Reset()
	u.binder.Unlock()
}
