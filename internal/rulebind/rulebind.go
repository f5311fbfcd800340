// Package rulebind implements the event-driven rule dispatcher every XML
// binder in this module is built from: it consumes the SAX-style events
// xmldriver.Driver emits, tracks the current element path with
// internal/path, and invokes begin/end callbacks whose rule path matches
// the current path under the wildcard-aware equality in that package.
package rulebind

import (
	"strings"
	"sync/atomic"

	"github.com/mevansam/gobus/internal/path"
)

// BeginFunc is invoked when an element or attribute start matches a
// begin rule. attrs is only populated for element rules; attribute
// rules receive a nil map.
type BeginFunc func(b *RuleBinder, name string, attrs map[string]string)

// EndFunc is invoked when an element or attribute end matches an end
// rule. For an element, body is the character data collected since the
// matching start, trimmed unless trimming is off or it came from CDATA;
// for an attribute rule, body is the attribute's value.
type EndFunc func(b *RuleBinder, name string, body string)

type beginRule struct {
	path *path.Path
	fn   BeginFunc
}

type endRule struct {
	path *path.Path
	fn   EndFunc
}

// RuleBinder matches XML element and attribute paths against rules
// added at configuration time and dispatches begin/end callbacks. A
// RuleBinder is single-writer: Lock/Unlock enforce that only one parse
// drives it at a time, per spec's BinderLocked error.
type RuleBinder struct {
	currentPath *path.Path
	rulePath    *path.Path // set only while a callback is executing

	body        []byte
	trimBody    bool
	addText     bool
	bodyIsCDATA bool

	beginRules map[string][]*beginRule
	endRules   map[string][]*endRule

	locked atomic.Bool
}

// New returns an empty RuleBinder ready for rule registration.
func New() *RuleBinder {
	return &RuleBinder{
		currentPath: path.New(),
		trimBody:    true,
		addText:     true,
		beginRules:  make(map[string][]*beginRule),
		endRules:    make(map[string][]*endRule),
	}
}

// leafName derives the rule index key from a path string's terminal
// segment: the last "/"-separated element verbatim, including a
// leading "@" for attribute rules.
func leafName(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// AddBeginRule registers fn to fire when an element or attribute begin
// matches pathStr.
func (b *RuleBinder) AddBeginRule(pathStr string, fn BeginFunc) {
	leaf := leafName(pathStr)
	b.beginRules[leaf] = append(b.beginRules[leaf], &beginRule{path: path.From(pathStr), fn: fn})
}

// AddEndRule registers fn to fire when an element or attribute end
// matches pathStr.
func (b *RuleBinder) AddEndRule(pathStr string, fn EndFunc) {
	leaf := leafName(pathStr)
	b.endRules[leaf] = append(b.endRules[leaf], &endRule{path: path.From(pathStr), fn: fn})
}

// SetTrimBody controls whether accumulated body text is trimmed before
// being handed to an end rule. Defaults to true; CDATA bodies are never
// trimmed regardless of this setting.
func (b *RuleBinder) SetTrimBody(trim bool) { b.trimBody = trim }

// CurrentPath returns the binder's live path tracker. Callbacks must
// not mutate it directly except via SkipParent.
func (b *RuleBinder) CurrentPath() *path.Path { return b.currentPath }

// RulePath returns the rule path that triggered the callback currently
// executing, or nil outside of a callback. Lets a callback introspect
// which rule fired when several share a handler function.
func (b *RuleBinder) RulePath() *path.Path { return b.rulePath }

// SkipParent suppresses further rule evaluation for the remainder of
// the current subtree by tagging the current path at depth n (default
// 1 semantics live on path.Path.TagDefault for n==0). The suppression
// lifts when the matching End brings the tag depth back to zero.
func (b *RuleBinder) SkipParent(n int) {
	if n <= 0 {
		n = 1
	}
	b.currentPath.Tag(n)
}

// Lock attempts to acquire single-writer ownership of the binder,
// returning false if it is already bound to an in-flight parse.
func (b *RuleBinder) Lock() bool {
	return b.locked.CompareAndSwap(false, true)
}

// Unlock releases single-writer ownership.
func (b *RuleBinder) Unlock() {
	b.locked.Store(false)
}

// Reset discards all in-flight parse state (path, body, tag depth) but
// keeps registered rules, so the binder can be reused for a fresh
// document.
func (b *RuleBinder) Reset() {
	b.currentPath.Reset()
	b.rulePath = nil
	b.body = b.body[:0]
	b.addText = true
	b.bodyIsCDATA = false
}

// StartElement implements xmldriver.ElementHandler.
func (b *RuleBinder) StartElement(name string, attrs map[string]string) {
	b.currentPath.Push(name)
	b.body = b.body[:0]
	b.addText = true
	b.bodyIsCDATA = false

	if !b.currentPath.IsTagged() {
		b.dispatchBegin(name, attrs)
	}

	for attrName, attrVal := range attrs {
		attrLeaf := "@" + attrName
		b.currentPath.Push(attrLeaf)
		if !b.currentPath.IsTagged() {
			b.dispatchBegin(attrLeaf, nil)
			b.dispatchEnd(attrLeaf, attrVal)
		}
		b.currentPath.Pop()
	}
}

// EndElement implements xmldriver.ElementHandler.
func (b *RuleBinder) EndElement(name string) {
	if !b.currentPath.IsTagged() {
		body := string(b.body)
		if b.trimBody && !b.bodyIsCDATA {
			body = strings.TrimSpace(body)
		}
		b.dispatchEnd(name, body)
	}

	b.addText = true
	b.bodyIsCDATA = false
	b.body = b.body[:0]
	b.currentPath.Pop()
}

// Characters implements xmldriver.ElementHandler.
func (b *RuleBinder) Characters(text []byte) {
	if b.addText {
		b.body = append(b.body, text...)
	}
}

// StartCDATA implements xmldriver.ElementHandler.
func (b *RuleBinder) StartCDATA() {
	b.body = b.body[:0]
}

// EndCDATA implements xmldriver.ElementHandler. Per the original
// binder's endCDataSection, add_text is cleared for the remainder of
// the element, not just until the next start tag: character data that
// follows a closed CDATA section within the same element is dropped,
// not appended.
func (b *RuleBinder) EndCDATA() {
	b.addText = false
	b.bodyIsCDATA = true
}

func (b *RuleBinder) dispatchBegin(name string, attrs map[string]string) {
	for _, r := range b.beginRules[name] {
		if r.path.Equal(b.currentPath) {
			b.rulePath = r.path
			r.fn(b, name, attrs)
			b.rulePath = nil
		}
	}
}

func (b *RuleBinder) dispatchEnd(name, body string) {
	for _, r := range b.endRules[name] {
		if r.path.Equal(b.currentPath) {
			b.rulePath = r.path
			r.fn(b, name, body)
			b.rulePath = nil
		}
	}
}
