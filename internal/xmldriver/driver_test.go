package xmldriver

import (
	"strings"
	"testing"

	"github.com/mevansam/gobus/internal/busmsg"
)

type recordingHandler struct {
	events []string
}

func (h *recordingHandler) StartElement(name string, attrs map[string]string) {
	if len(attrs) == 0 {
		h.events = append(h.events, "start:"+name)
		return
	}
	h.events = append(h.events, "start:"+name+":"+attrs["id"])
}

func (h *recordingHandler) EndElement(name string) {
	h.events = append(h.events, "end:"+name)
}

func (h *recordingHandler) Characters(text []byte) {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return
	}
	h.events = append(h.events, "chars:"+s)
}

func (h *recordingHandler) StartCDATA() { h.events = append(h.events, "cdata-start") }
func (h *recordingHandler) EndCDATA()   { h.events = append(h.events, "cdata-end") }

func TestParseSingleChunk(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	doc := `<root><nested1><nested2 id="1"/><blob1>x</blob1></nested1></root>`
	if err := d.Parse([]byte(doc), true); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := []string{
		"start:root", "start:nested1", "start:nested2:1", "end:nested2",
		"start:blob1", "chars:x", "end:blob1", "end:nested1", "end:root",
	}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v, want %v", h.events, want)
	}
	for i := range want {
		if h.events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, h.events[i], want[i])
		}
	}
}

func TestParseChunked(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	chunks := []string{"<root><a>hel", "lo</a></root>"}
	for i, c := range chunks {
		isFinal := i == len(chunks)-1
		if err := d.Parse([]byte(c), isFinal); err != nil {
			t.Fatalf("Parse(chunk %d) error = %v", i, err)
		}
	}

	want := []string{"start:root", "start:a", "chars:hello", "end:a", "end:root"}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v, want %v", h.events, want)
	}
	for i := range want {
		if h.events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, h.events[i], want[i])
		}
	}
}

func TestParseMalformedReturnsParseError(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	err := d.Parse([]byte("<root><a></b></root>"), true)
	if err == nil {
		t.Fatal("expected a parse error for mismatched tags")
	}
	perr, ok := err.(*busmsg.Error)
	if !ok {
		t.Fatalf("error type = %T, want *busmsg.Error", err)
	}
	if perr.Kind != busmsg.ErrParseError {
		t.Errorf("error kind = %v, want ErrParseError", perr.Kind)
	}
}

func TestResetAllowsReuse(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	if err := d.Parse([]byte("<a/>"), true); err != nil {
		t.Fatalf("first Parse() error = %v", err)
	}
	d.Reset()
	h.events = nil

	if err := d.Parse([]byte("<b/>"), true); err != nil {
		t.Fatalf("second Parse() error = %v", err)
	}
	want := []string{"start:b", "end:b"}
	if len(h.events) != len(want) || h.events[0] != want[0] || h.events[1] != want[1] {
		t.Errorf("events after reset = %v, want %v", h.events, want)
	}
}

// TestCDATABracketsFireAroundContent exercises the raw-marker scan this
// driver runs alongside encoding/xml: a CDATA section's folded CharData
// token is bracketed by StartCDATA/EndCDATA, while ordinary character
// data elsewhere is not.
func TestCDATABracketsFireAroundContent(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	doc := `<root><plain>hi</plain><v><![CDATA[raw text]]></v></root>`
	if err := d.Parse([]byte(doc), true); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := []string{
		"start:root", "start:plain", "chars:hi", "end:plain",
		"start:v", "cdata-start", "chars:raw text", "cdata-end", "end:v",
		"end:root",
	}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v, want %v", h.events, want)
	}
	for i := range want {
		if h.events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, h.events[i], want[i])
		}
	}
}

// TestCDATAMarkerSplitAcrossChunks exercises the scanner's persisted
// partial-match state: the "<![CDATA[" marker itself is split across two
// separate Parse calls, which must not prevent detection.
func TestCDATAMarkerSplitAcrossChunks(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	chunks := []string{
		`<root><v><![CDA`,
		`TA[raw]]></v></root>`,
	}
	for i, c := range chunks {
		isFinal := i == len(chunks)-1
		if err := d.Parse([]byte(c), isFinal); err != nil {
			t.Fatalf("Parse(chunk %d) error = %v", i, err)
		}
	}

	want := []string{
		"start:root", "start:v", "cdata-start", "chars:raw", "cdata-end",
		"end:v", "end:root",
	}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v, want %v", h.events, want)
	}
	for i := range want {
		if h.events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, h.events[i], want[i])
		}
	}
}
