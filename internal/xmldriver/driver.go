// Package xmldriver adapts Go's standard encoding/xml pull tokenizer into
// the SAX-style push interface RuleBinder expects: start/end element,
// characters, and CDATA boundary events, fed through chunked, incremental
// parse calls rather than a single blocking read over a whole document.
//
// Per spec, the tokenizer itself is an assumed external collaborator —
// this package is the thin, explicitly out-of-scope-adjacent boundary
// wrapping it, not a hand-rolled parser. encoding/xml folds a CDATA
// section into an ordinary xml.CharData token indistinguishable from
// plain text, so this driver runs its own lightweight marker scan over
// the raw bytes as they arrive (the same pre-scan-before-handing-to-the-
// parser idiom internal/busconfig/tokens.go uses for `${...}` token
// expansion) and correlates the scanned spans against the decoder's
// byte offsets to fire StartCDATA/EndCDATA around the tokens they
// produced.
package xmldriver

import (
	"encoding/xml"
	"io"
	"sync"

	"golang.org/x/net/html/charset"

	"github.com/mevansam/gobus/internal/busmsg"
)

// ElementHandler receives SAX-style callbacks as the driver consumes XML.
// RuleBinder implements this interface; the driver holds only a handle
// satisfying it, so the binder<->driver relationship is a plain interface
// dependency rather than the source's CRTP-style cyclic template
// reference.
type ElementHandler interface {
	StartElement(name string, attrs map[string]string)
	EndElement(name string)
	Characters(text []byte)
	StartCDATA()
	EndCDATA()
}

// OptionalHandler is implemented by handlers that also want comment and
// processing-instruction events. Handlers that
// don't need them simply don't implement it.
type OptionalHandler interface {
	Comment(text string)
	ProcessingInstruction(target, data string)
}

const (
	cdataOpenMarker  = "<![CDATA["
	cdataCloseMarker = "]]>"
)

// cdataSpan is one detected "<![CDATA[...]]>" occurrence's absolute byte
// range in the raw stream Parse has been fed, used to tell which of the
// decoder's (otherwise indistinguishable) CharData tokens came from a
// CDATA section.
type cdataSpan struct {
	start, end int64
}

// cdataScanner is a tiny partial-match state machine over the two fixed
// literal markers, carried across Parse calls so a marker split across a
// chunk boundary is still detected. The open marker has no
// self-overlapping prefix/suffix, so resetting on a mismatch is exact for
// it; for the close marker, a "]" that breaks a "]]>" match keeps the
// "]]" already seen, so "]]]>" still closes the section.
type cdataScanner struct {
	inside     bool
	openMatch  int
	closeMatch int
	pendingAt  int64
}

func (s *cdataScanner) scan(chunk []byte, base int64, spans *[]cdataSpan) {
	for i, b := range chunk {
		pos := base + int64(i) + 1
		if !s.inside {
			if b == cdataOpenMarker[s.openMatch] {
				s.openMatch++
				if s.openMatch == len(cdataOpenMarker) {
					s.inside = true
					s.pendingAt = pos - int64(len(cdataOpenMarker))
					s.openMatch = 0
				}
				continue
			}
			if b == cdataOpenMarker[0] {
				s.openMatch = 1
			} else {
				s.openMatch = 0
			}
			continue
		}
		if b == cdataCloseMarker[s.closeMatch] {
			s.closeMatch++
			if s.closeMatch == len(cdataCloseMarker) {
				*spans = append(*spans, cdataSpan{start: s.pendingAt, end: pos})
				s.inside = false
				s.closeMatch = 0
			}
			continue
		}
		// A mismatching "]" can only follow "]]", and the last two bytes
		// then still read "]]", so the match state is kept.
		if b != cdataCloseMarker[0] {
			s.closeMatch = 0
		}
	}
}

// Driver incrementally feeds bytes to an encoding/xml.Decoder and
// dispatches SAX-style events to a handler as elements complete. It is
// single-writer: Parse must not be called concurrently with itself, and
// a Driver instance is bound to one handler for its lifetime (though
// Reset lets it be reused for a fresh document).
type Driver struct {
	handler ElementHandler

	pw      *io.PipeWriter
	done    chan error
	started bool

	cdMu     sync.Mutex
	cdScan   cdataScanner
	cdSpans  []cdataSpan
	cdOffset int64
}

// New returns a Driver that will dispatch events to handler.
func New(handler ElementHandler) *Driver {
	return &Driver{handler: handler}
}

// Reset restores the driver to its pre-first-chunk state, retaining the
// installed handler, so it can be reused for a new document.
func (d *Driver) Reset() {
	if d.started && d.pw != nil {
		_ = d.pw.CloseWithError(io.ErrClosedPipe)
		<-d.done
	}
	d.pw = nil
	d.done = nil
	d.started = false

	d.cdMu.Lock()
	d.cdScan = cdataScanner{}
	d.cdSpans = nil
	d.cdOffset = 0
	d.cdMu.Unlock()
}

// Parse consumes one chunk of the document. isFinal marks the last
// chunk; Parse blocks until the tokenizer has fully processed the
// document and returns any *busmsg.Error (kind ErrParseError) encountered.
// For intermediate chunks (isFinal==false) Parse returns once the chunk's
// bytes have been handed to the tokenizer, without waiting for the whole
// document — errors from those bytes surface on a later call once the
// tokenizer reaches the failure point (or on the final call at the
// latest).
func (d *Driver) Parse(chunk []byte, isFinal bool) error {
	if !d.started {
		d.start()
	}

	if len(chunk) > 0 {
		d.cdMu.Lock()
		d.cdScan.scan(chunk, d.cdOffset, &d.cdSpans)
		d.cdOffset += int64(len(chunk))
		d.cdMu.Unlock()

		if _, err := d.pw.Write(chunk); err != nil {
			return d.drainError(err)
		}
	}

	if isFinal {
		_ = d.pw.Close()
		err := <-d.done
		d.started = false
		d.pw = nil
		d.done = nil
		return mapDecodeError(err)
	}

	return nil
}

// start wires a pipe into a fresh xml.Decoder and launches the goroutine
// that pulls tokens and dispatches SAX events, so Parse's caller can feed
// bytes chunk by chunk without blocking on the whole document.
func (d *Driver) start() {
	pr, pw := io.Pipe()
	d.pw = pw
	d.done = make(chan error, 1)
	d.started = true

	dec := xml.NewDecoder(pr)
	dec.CharsetReader = charset.NewReaderLabel

	go func() {
		d.done <- d.runTokens(dec)
		// Unblock a Write still waiting on the pipe after the tokenizer
		// stopped early, so that Parse call returns the error above.
		_ = pr.CloseWithError(io.ErrClosedPipe)
	}()
}

// drainError surfaces a pipe write error, waiting for the reader
// goroutine's own error (usually the more informative one) if available.
func (d *Driver) drainError(writeErr error) error {
	select {
	case err := <-d.done:
		d.started = false
		d.pw = nil
		d.done = nil
		return mapDecodeError(err)
	default:
		return writeErr
	}
}

// matchCDATA reports whether the decoder's [start,end) consumed byte
// range corresponds to a CDATA span detected by the raw scan, consuming
// that span (and dropping any now-stale span fully behind start) so the
// lookup stays cheap over the life of a long document.
func (d *Driver) matchCDATA(start, end int64) bool {
	d.cdMu.Lock()
	defer d.cdMu.Unlock()

	matched := false
	kept := d.cdSpans[:0]
	for _, sp := range d.cdSpans {
		if sp.end <= start {
			continue
		}
		if !matched && sp.start < end && sp.end > start {
			matched = true
			continue
		}
		kept = append(kept, sp)
	}
	d.cdSpans = kept
	return matched
}

// runTokens pulls tokens from dec until EOF or a parse failure,
// dispatching start/end/character events to handler, bracketing a
// CharData token with StartCDATA/EndCDATA when its decoder-consumed byte
// range falls inside a span the raw scan identified as a CDATA section.
// Note: if the document declares a non-UTF-8 encoding, dec.CharsetReader
// transcodes the stream before the decoder sees it, and the decoder's
// byte offsets then describe the transcoded bytes rather than the raw
// ones the scan measured — CDATA correlation is only exact for the
// common UTF-8 case.
func (d *Driver) runTokens(dec *xml.Decoder) error {
	var nameStack []string

	for {
		before := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			line, col := decoderPosition(dec)
			return busmsg.NewParseError(line, col, err.Error())
		}

		switch t := tok.(type) {
		case xml.StartElement:
			attrs := make(map[string]string, len(t.Attr))
			for _, a := range t.Attr {
				attrs[a.Name.Local] = a.Value
			}
			nameStack = append(nameStack, t.Name.Local)
			d.handler.StartElement(t.Name.Local, attrs)

		case xml.EndElement:
			d.handler.EndElement(t.Name.Local)
			if len(nameStack) > 0 {
				nameStack = nameStack[:len(nameStack)-1]
			}

		case xml.CharData:
			after := dec.InputOffset()
			if d.matchCDATA(before, after) {
				d.handler.StartCDATA()
				d.handler.Characters([]byte(t))
				d.handler.EndCDATA()
			} else {
				d.handler.Characters([]byte(t))
			}

		case xml.Comment:
			if oh, ok := d.handler.(OptionalHandler); ok {
				oh.Comment(string(t))
			}

		case xml.ProcInst:
			if oh, ok := d.handler.(OptionalHandler); ok {
				oh.ProcessingInstruction(t.Target, string(t.Inst))
			}
		}
	}
}

func decoderPosition(dec *xml.Decoder) (line, col int) {
	l, c := dec.InputPos()
	return l, c
}

func mapDecodeError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*busmsg.Error); ok {
		return err
	}
	return busmsg.NewParseError(0, 0, err.Error())
}
