// Package busmsg defines the message model shared by every bus
// component: the closed set of message types and content types, the
// Message envelope, and the error taxonomy carried on result messages.
package busmsg

import (
	"time"

	"github.com/google/uuid"

	"github.com/mevansam/gobus/internal/dyntree"
)

// Kind is the closed set of message types the bus understands.
type Kind uint8

const (
	KindP2P Kind = iota
	KindP2PSub
	KindReq
	KindResp
	KindRespString
	KindRespStream
	KindRespUpdate
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindP2P:
		return "P2P"
	case KindP2PSub:
		return "P2PSub"
	case KindReq:
		return "Req"
	case KindResp:
		return "Resp"
	case KindRespString:
		return "RespString"
	case KindRespStream:
		return "RespStream"
	case KindRespUpdate:
		return "RespUpdate"
	case KindError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ContentType describes the shape of a Message's payload.
type ContentType uint8

const (
	ContentUnknown ContentType = iota
	ContentXML
	ContentJSON
	ContentModel
	ContentNVMap
)

// ControlAction is the set of subscription control operations a P2PSub
// control message can carry.
type ControlAction uint8

const (
	ControlNone ControlAction = iota
	ControlSuspend
	ControlResume
	ControlCancel
	ControlRemove
	ControlAdd
)

// ReplyFunc is invoked with a message's synchronous or asynchronous
// reply.
type ReplyFunc func(reply *Message)

// DataCallback receives a chunk of streamed bytes; size==0 marks
// end-of-stream.
type DataCallback func(ctx any, buf []byte)

// Message is the single envelope type used across the bus. Kind and the
// populated payload fields together determine which subclass behavior
// (NVMessage/DataMessage/StringMessage/StreamMessage/P2PMessage in the
// original design) applies; Go favors one struct with kind-gated fields
// over a class hierarchy.
type Message struct {
	ID          string
	Subject     string
	RespSubject string
	Kind        Kind
	ContentType ContentType

	DelayMS    int64
	PostTimeMS int64
	PostCount  int

	Err     ErrorKind
	ErrCode int
	ErrDesc string

	Meta map[string]string

	// NVMessage payload.
	NV map[string]string

	// DataMessage payload: the unmarshalled tree, once the streaming
	// pipeline has completed.
	Tree *dyntree.Node

	// StringMessage payload: an append-only buffer used to accumulate a
	// RespString body.
	strBuf []byte

	// StreamMessage payload: registered chunk callbacks for RespStream
	// fan-out.
	streamCallbacks []streamSub

	// Attachment carries a nested message, e.g. the original subscription
	// message a control action is momentarily annotating.
	Attachment *Message

	// P2PMessage fields.
	ReplyCallback ReplyFunc
	ControlAction ControlAction
	TargetMsgID   string

	// Binder, when set, is the TreeBinder instance (typed as any to avoid
	// an import cycle with package treebind) the streaming pipeline should
	// drive for this request's response.
	Binder any

	// PollingSub, when true, marks a delayed P2P as eligible for
	// promotion to a polling P2PSub when Bus.Post schedules it (see
	// SchedulePost).
	PollingSub bool
}

type streamSub struct {
	ctx  any
	fn   DataCallback
}

// New returns a Message with a freshly generated ID and the given
// subject/kind/content type.
func New(subject string, kind Kind, ct ContentType) *Message {
	return &Message{
		ID:          uuid.New().String(),
		Subject:     subject,
		Kind:        kind,
		ContentType: ct,
		Meta:        make(map[string]string),
	}
}

// SchedulePost stamps PostTimeMS from now plus DelayMS, and promotes a
// delayed P2P to P2PSub when PollingSub is set (the polling flag), per
// the Message invariant that a P2P given delay>0 with polling requested
// becomes a subscription.
func (m *Message) SchedulePost(nowMS int64) {
	m.PostTimeMS = nowMS + m.DelayMS
	if m.Kind == KindP2P && m.DelayMS > 0 && m.PollingSub {
		m.Kind = KindP2PSub
	}
}

// AppendString appends to the StringMessage buffer (RespString
// accumulation during the streaming pipeline).
func (m *Message) AppendString(b []byte) {
	m.strBuf = append(m.strBuf, b...)
}

// String returns the accumulated StringMessage buffer as a string.
func (m *Message) String() string {
	return string(m.strBuf)
}

// AddStreamCallback registers a chunk callback for a StreamMessage.
func (m *Message) AddStreamCallback(ctx any, fn DataCallback) {
	m.streamCallbacks = append(m.streamCallbacks, streamSub{ctx: ctx, fn: fn})
}

// SendData fans a chunk out to every registered stream callback.
// size==0 (an empty buf) marks end-of-stream for all of them.
func (m *Message) SendData(buf []byte) {
	for _, sub := range m.streamCallbacks {
		sub.fn(sub.ctx, buf)
	}
}

// SetError marks m as an error-tagged response, per spec §7's
// propagation policy: dispatch-time failures become an error-tagged
// response delivered through the normal listener fan-out rather than an
// exception.
func (m *Message) SetError(kind ErrorKind, code int, desc string) {
	m.Kind = KindError
	m.Err = kind
	m.ErrCode = code
	m.ErrDesc = desc
}

// IsError reports whether m carries a propagated error.
func (m *Message) IsError() bool {
	return m.Err != ErrNone
}

// NowMS returns the current wall clock time in milliseconds, the unit
// Queue scheduling operates in throughout this package and busqueue.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
