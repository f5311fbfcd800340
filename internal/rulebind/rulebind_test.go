package rulebind

import (
	"testing"

	"github.com/mevansam/gobus/internal/xmldriver"
)

type event struct {
	kind  string
	name  string
	attrs map[string]string
	body  string
}

func drive(t *testing.T, b *RuleBinder, doc string) {
	t.Helper()
	d := xmldriver.New(b)
	if err := d.Parse([]byte(doc), true); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
}

// TestRuleFiresOnMatchingPaths exercises spec §8 scenario 2: a begin rule
// on an exact path and an end rule with a root wildcard.
func TestRuleFiresOnMatchingPaths(t *testing.T) {
	b := New()
	var events []event

	b.AddBeginRule("root/nested1/nested2", func(_ *RuleBinder, name string, attrs map[string]string) {
		events = append(events, event{kind: "begin", name: name, attrs: attrs})
	})
	b.AddEndRule("*/blob1", func(_ *RuleBinder, name, body string) {
		events = append(events, event{kind: "end", name: name, body: body})
	})

	drive(t, b, `<root><nested1><nested2 id="1"/><blob1>x</blob1></nested1></root>`)

	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2 entries", events)
	}
	if events[0].kind != "begin" || events[0].name != "nested2" || events[0].attrs["id"] != "1" {
		t.Errorf("events[0] = %+v, want begin nested2 id=1", events[0])
	}
	if events[1].kind != "end" || events[1].name != "blob1" || events[1].body != "x" {
		t.Errorf("events[1] = %+v, want end blob1 body=x", events[1])
	}
}

func TestAttributeRulesFire(t *testing.T) {
	b := New()
	var gotBegin, gotEnd bool

	b.AddBeginRule("root/@id", func(*RuleBinder, string, map[string]string) { gotBegin = true })
	b.AddEndRule("root/@id", func(_ *RuleBinder, _ string, body string) {
		gotEnd = true
		if body != "42" {
			t.Errorf("attribute body = %q, want 42", body)
		}
	})

	drive(t, b, `<root id="42"></root>`)

	if !gotBegin || !gotEnd {
		t.Fatalf("attribute begin/end did not both fire: begin=%v end=%v", gotBegin, gotEnd)
	}
}

func TestSkipParentSuppressesSubtree(t *testing.T) {
	b := New()
	var inner bool

	b.AddBeginRule("root/skip", func(rb *RuleBinder, _ string, _ map[string]string) {
		rb.SkipParent(1)
	})
	b.AddBeginRule("root/skip/child", func(*RuleBinder, string, map[string]string) {
		inner = true
	})

	drive(t, b, `<root><skip><child/></skip></root>`)

	if inner {
		t.Error("expected child rule to be suppressed under a tagged subtree")
	}
}

func TestBodyTrimmedByDefault(t *testing.T) {
	b := New()
	var body string

	b.AddEndRule("root/v", func(_ *RuleBinder, _ string, b string) { body = b })

	drive(t, b, "<root><v>  hello  </v></root>")

	if body != "hello" {
		t.Errorf("body = %q, want trimmed %q", body, "hello")
	}
}

// TestCDATABodyNotTrimmed exercises spec §4.4's start_cdata/end_cdata
// handling: xmldriver detects the CDATA span itself (encoding/xml folds
// it into an ordinary CharData token) and brackets it with
// StartCDATA/EndCDATA, which RuleBinder uses to skip its usual
// trim-on-end-element behavior.
func TestCDATABodyNotTrimmed(t *testing.T) {
	b := New()
	var body string

	b.AddEndRule("root/v", func(_ *RuleBinder, _ string, b string) { body = b })

	drive(t, b, "<root><v><![CDATA[  raw  ]]></v></root>")

	if body != "  raw  " {
		t.Errorf("CDATA body = %q, want untrimmed %q", body, "  raw  ")
	}
}

// TestCDATADropsTrailingPlainCharacters exercises the documented
// RuleBinder.EndCDATA behavior: add_text is cleared for the remainder of
// the element, so plain character data following a closed CDATA section
// within the same element is dropped rather than appended.
func TestCDATADropsTrailingPlainCharacters(t *testing.T) {
	b := New()
	var body string

	b.AddEndRule("root/v", func(_ *RuleBinder, _ string, b string) { body = b })

	drive(t, b, "<root><v><![CDATA[cdata]]>trailing</v></root>")

	if body != "cdata" {
		t.Errorf("body = %q, want %q (trailing plain text dropped)", body, "cdata")
	}
}

func TestLockSingleWriter(t *testing.T) {
	b := New()
	if !b.Lock() {
		t.Fatal("first Lock() should succeed")
	}
	if b.Lock() {
		t.Fatal("second concurrent Lock() should fail")
	}
	b.Unlock()
	if !b.Lock() {
		t.Fatal("Lock() after Unlock() should succeed")
	}
}

func TestResetClearsPathAndBody(t *testing.T) {
	b := New()
	var ends int
	b.AddEndRule("root/v", func(*RuleBinder, string, string) { ends++ })

	drive(t, b, "<root><v>a</v></root>")
	b.Reset()
	drive(t, b, "<root><v>b</v></root>")

	if ends != 2 {
		t.Fatalf("end rule fired %d times, want 2 across two parses", ends)
	}
	if b.CurrentPath().Length() != 0 {
		t.Errorf("CurrentPath() not empty after final EndElement, length = %d", b.CurrentPath().Length())
	}
}
