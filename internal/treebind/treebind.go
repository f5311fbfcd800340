// Package treebind implements the concrete rulebind.RuleBinder whose
// rules build a dyntree.Node tree as XML events arrive: a BindingDesc
// set declares, for each bound XML path, whether it produces a Map, a
// List, or a scalar Value, and where in the tree the result attaches.
package treebind

import (
	"log/slog"
	"strings"

	"github.com/mevansam/gobus/internal/dyntree"
	"github.com/mevansam/gobus/internal/rulebind"
)

// Kind is the structural shape a BindingDesc produces.
type Kind uint8

const (
	KindMap Kind = iota
	KindList
	KindValue
)

// ParseRule splits a Value binding's body into a sub-record, evaluated
// in order over a moving cursor: a Delim rule reads up to (and past)
// the next delimiter; an explicit Offset rule jumps the cursor to an
// absolute position; a bare Length rule reads that many bytes from the
// current cursor; a rule with none of the three consumes the
// remainder.
type ParseRule struct {
	Key      string
	Offset   *int
	Delim    *rune
	Length   *int
	Strip    string
	Replace  string
	ValueMap map[string]string
}

// BindingDesc is one declarative rule from the service-config bindings
// block: the XML path it matches, the kind of node it produces, and
// where the result attaches (Key on the immediate parent, or Ref to
// walk from the tree root).
type BindingDesc struct {
	Path       string
	Key        string
	Ref        string
	IsIndex    bool
	Kind       Kind
	ParseRules []ParseRule
}

type pendingList struct {
	desc *BindingDesc
	node *dyntree.Node
}

// TreeBinder drives dyntree construction from a registered BindingDesc
// set. It embeds *rulebind.RuleBinder so it can be handed directly to
// xmldriver.Driver as an ElementHandler.
type TreeBinder struct {
	*rulebind.RuleBinder

	logger *slog.Logger

	root  *dyntree.Node
	stack []*dyntree.Node

	indexStack []string

	pending *pendingList

	// entryIndex remembers, per in-progress Map node, the index-stack
	// value recorded by an is_index Value binding fired while that node
	// was on top of the stack, so the node can be registered against
	// its parent List's business-key lookup once attached.
	entryIndex map[*dyntree.Node]string

	// listIndex supports ref-based attachment into a specific List
	// element by business key: listIndex[list][key] -> the Map node
	// appended to that list while entryIndex recorded key for it.
	listIndex map[*dyntree.Node]map[string]*dyntree.Node
}

// New returns an unconfigured TreeBinder. Call AddBinding for each
// declared rule before driving a parse.
func New(logger *slog.Logger) *TreeBinder {
	if logger == nil {
		logger = slog.Default()
	}
	tb := &TreeBinder{
		RuleBinder: rulebind.New(),
		logger:     logger,
		entryIndex: make(map[*dyntree.Node]string),
		listIndex:  make(map[*dyntree.Node]map[string]*dyntree.Node),
	}
	return tb
}

// AddBinding installs the begin/end rules that implement desc.
func (tb *TreeBinder) AddBinding(desc *BindingDesc) {
	d := desc
	switch d.Kind {
	case KindMap:
		tb.AddBeginRule(d.Path, func(*rulebind.RuleBinder, string, map[string]string) {
			tb.beginMap(d)
		})
		tb.AddEndRule(d.Path, func(*rulebind.RuleBinder, string, string) {
			tb.endMap(d)
		})
	case KindList:
		tb.AddBeginRule(d.Path, func(*rulebind.RuleBinder, string, map[string]string) {
			tb.beginList(d)
		})
		tb.AddEndRule(d.Path, func(_ *rulebind.RuleBinder, _ string, body string) {
			tb.endList(d, body)
		})
	case KindValue:
		tb.AddEndRule(d.Path, func(_ *rulebind.RuleBinder, _ string, body string) {
			tb.bindValue(d, body)
		})
	}
}

// BeginBinding starts a fresh parse: pushes a new root Map node and
// resets all binder-local state (node stack, index stack, deferred
// list, rule-dispatch path tracking inherited from RuleBinder).
func (tb *TreeBinder) BeginBinding() {
	tb.RuleBinder.Reset()
	tb.root = dyntree.NewMap()
	tb.stack = []*dyntree.Node{tb.root}
	tb.indexStack = nil
	tb.pending = nil
	tb.entryIndex = make(map[*dyntree.Node]string)
	tb.listIndex = make(map[*dyntree.Node]map[string]*dyntree.Node)
}

// EndBinding finalizes any pending deferred list attachment and
// unwinds the node stack. Call after the final Parse(..., isFinal:
// true).
func (tb *TreeBinder) EndBinding() *dyntree.Node {
	tb.flushPending()
	tb.stack = nil
	return tb.root
}

// Root returns the tree built so far (valid after BeginBinding).
func (tb *TreeBinder) Root() *dyntree.Node { return tb.root }

func (tb *TreeBinder) top() *dyntree.Node {
	if len(tb.stack) == 0 {
		return nil
	}
	return tb.stack[len(tb.stack)-1]
}

func (tb *TreeBinder) push(n *dyntree.Node) { tb.stack = append(tb.stack, n) }

func (tb *TreeBinder) pop() *dyntree.Node {
	if len(tb.stack) == 0 {
		return nil
	}
	n := tb.stack[len(tb.stack)-1]
	tb.stack = tb.stack[:len(tb.stack)-1]
	return n
}

func (tb *TreeBinder) pushIndex(v string) { tb.indexStack = append(tb.indexStack, v) }

func (tb *TreeBinder) popIndex() string {
	if len(tb.indexStack) == 0 {
		return ""
	}
	v := tb.indexStack[len(tb.indexStack)-1]
	tb.indexStack = tb.indexStack[:len(tb.indexStack)-1]
	return v
}

func (tb *TreeBinder) setIndexTop(v string) {
	if len(tb.indexStack) == 0 {
		tb.pushIndex(v)
		return
	}
	tb.indexStack[len(tb.indexStack)-1] = v
}

// flushPending finalizes the deferred attachment of a closed list,
// per spec §4.5's deferred-attachment rule: a list's end rule does not
// immediately attach it; the next begin_map/begin_list/bind_value call
// flushes it first.
func (tb *TreeBinder) flushPending() {
	if tb.pending == nil {
		return
	}
	p := tb.pending
	tb.pending = nil
	tb.attachToParent(p.desc, p.node)
}

func (tb *TreeBinder) beginMap(desc *BindingDesc) {
	tb.flushPending()
	tb.push(dyntree.NewMap())
}

func (tb *TreeBinder) endMap(desc *BindingDesc) {
	node := tb.pop()
	if idx, ok := tb.entryIndex[node]; ok {
		delete(tb.entryIndex, node)
		tb.registerListIndexOnAttach(desc, node, idx)
	}
	tb.attachToParent(desc, node)
}

// beginList implements the same-path reentry supplemented feature: if
// the immediately preceding element at this same binding path is still
// open pending deferred attachment, the existing list node is reused
// (not finalized and replaced) and only a fresh index slot is pushed
// for the new entry.
func (tb *TreeBinder) beginList(desc *BindingDesc) {
	if tb.pending != nil && tb.pending.desc == desc {
		node := tb.pending.node
		tb.pending = nil
		tb.push(node)
		tb.pushIndex("")
		return
	}
	tb.flushPending()
	tb.push(dyntree.NewList())
	tb.pushIndex("")
}

// endList closes the list-element. body, when non-empty, is appended
// to the list as a plain value entry (the repeating element carried
// text rather than nested bindings); the list itself is never attached
// immediately — it is deferred via pending so a sibling occurrence of
// the same binding can reuse it.
func (tb *TreeBinder) endList(desc *BindingDesc, body string) {
	node := tb.pop()
	tb.popIndex()

	if strings.TrimSpace(body) != "" {
		_ = node.AddValue(body)
	}

	tb.pending = &pendingList{desc: desc, node: node}
}

func (tb *TreeBinder) bindValue(desc *BindingDesc, body string) {
	tb.flushPending()

	if len(desc.ParseRules) > 0 {
		tb.bindParsedValue(desc, body)
		return
	}

	if desc.IsIndex {
		tb.setIndexTop(body)
		if desc.Key == "" && desc.Ref == "" {
			// Index-only binding: its sole purpose is targeting, no tree
			// attachment requested.
			if parent := tb.top(); parent != nil {
				tb.entryIndex[parent] = body
			}
			return
		}
	}

	tb.attachToParent(desc, dyntree.NewValue(body))

	if desc.IsIndex {
		if parent := tb.top(); parent != nil {
			tb.entryIndex[parent] = body
		}
	}
}

// bindParsedValue evaluates desc.ParseRules over body and stores the
// resulting ordered key/value record either onto the current node (a
// Map) or as a freshly created Map entry (when the current top is a
// List), per spec §4.5.
func (tb *TreeBinder) bindParsedValue(desc *BindingDesc, body string) {
	record := evaluateParseRules(desc.ParseRules, body)

	parent := tb.top()
	if parent == nil {
		tb.logger.Error("treebind: parse-rule binding with no open container", "path", desc.Path)
		return
	}

	target := parent
	if parent.Kind() == dyntree.KindList {
		target = dyntree.NewMap()
	}
	for _, kv := range record {
		_ = target.SetValue(kv.key, kv.value)
	}
	if target != parent {
		_ = parent.Add(target, "")
	}
}

// attachToParent implements spec §4.5's "Attach policy". When Ref is
// empty the node attaches directly under the current top-of-stack
// parent (by Key on a Map, appended on a List). When Ref is set, the
// tree is walked from the root through Ref's "/"-separated keys,
// descending into a business-key-targeted List element whenever the
// index stack holds a value for that hop (consumed, not merely peeked,
// matching the original's addNodeToParent).
func (tb *TreeBinder) attachToParent(desc *BindingDesc, node *dyntree.Node) {
	if desc.Ref == "" {
		parent := tb.top()
		if parent == nil {
			tb.logger.Error("treebind: no open container to attach to", "path", desc.Path)
			return
		}
		switch parent.Kind() {
		case dyntree.KindList:
			_ = parent.Add(node, "")
			if idx, ok := tb.entryIndex[node]; ok {
				tb.registerListIndexOnAttach(desc, node, idx)
			}
		case dyntree.KindMap:
			key := desc.Key
			if key == "" {
				tb.logger.Error("treebind: malformed binding: no key and no ref", "path", desc.Path)
				return
			}
			_ = parent.Add(node, key)
		default:
			tb.logger.Error("treebind: cannot attach into a scalar node", "path", desc.Path)
		}
		return
	}

	cur := tb.root
	for _, key := range strings.Split(desc.Ref, "/") {
		if key == "" {
			continue
		}
		if cur.Kind() == dyntree.KindList {
			if idx := tb.popIndex(); idx != "" {
				if elems, ok := tb.listIndex[cur]; ok {
					if elem, ok := elems[idx]; ok {
						cur = elem
						continue
					}
				}
			}
			continue
		}
		child := cur.Get(key)
		if child == nil {
			var err error
			child, err = cur.AddChild(key, dyntree.KindMap)
			if err != nil {
				tb.logger.Error("treebind: ref walk failed", "path", desc.Path, "ref", desc.Ref, "error", err)
				return
			}
		}
		cur = child
	}

	switch cur.Kind() {
	case dyntree.KindList:
		_ = cur.Add(node, "")
	case dyntree.KindMap:
		key := desc.Key
		if key == "" {
			// Resolved open question: proceed with the ref-based attach
			// whenever ref is non-empty, even if key is empty; fall back
			// to the binding's own leaf name so Map.Add has a key.
			key = leafSegment(desc.Path)
		}
		_ = cur.Add(node, key)
	}
}

// registerListIndexOnAttach records node under key within the List it
// was just attached to, enabling a later ref-based attach elsewhere to
// find this specific list element by business key.
func (tb *TreeBinder) registerListIndexOnAttach(desc *BindingDesc, node *dyntree.Node, key string) {
	parent := tb.top()
	if parent == nil || parent.Kind() != dyntree.KindList {
		return
	}
	if tb.listIndex[parent] == nil {
		tb.listIndex[parent] = make(map[string]*dyntree.Node)
	}
	tb.listIndex[parent][key] = node
}

func leafSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

type kv struct{ key, value string }

// evaluateParseRules walks rules over body with a moving cursor. Each
// rule's segment extraction rule is documented on ParseRule; a delim
// rule first skips a leading occurrence of its own delimiter sitting
// exactly at the cursor (absorbing the separator a preceding
// fixed-length rule left behind) before searching for the delimiter
// that bounds its own field.
func evaluateParseRules(rules []ParseRule, body string) []kv {
	out := make([]kv, 0, len(rules))
	cursor := 0

	for _, r := range rules {
		var segment string

		switch {
		case r.Delim != nil:
			if cursor < len(body) && rune(body[cursor]) == *r.Delim {
				cursor++
			}
			idx := strings.IndexRune(body[cursor:], *r.Delim)
			if idx < 0 {
				segment = body[cursor:]
				cursor = len(body)
			} else {
				segment = body[cursor : cursor+idx]
				cursor += idx + 1
			}
		case r.Offset != nil:
			start := *r.Offset
			if start < 0 {
				start = 0
			}
			if start > len(body) {
				start = len(body)
			}
			end := len(body)
			if r.Length != nil {
				end = start + *r.Length
				if end > len(body) {
					end = len(body)
				}
			}
			segment = body[start:end]
			cursor = end
		case r.Length != nil:
			end := cursor + *r.Length
			if end > len(body) {
				end = len(body)
			}
			segment = body[cursor:end]
			cursor = end
		default:
			segment = body[cursor:]
			cursor = len(body)
		}

		segment = applyStripReplace(segment, r.Strip, r.Replace)
		if r.ValueMap != nil {
			if mapped, ok := r.ValueMap[segment]; ok {
				segment = mapped
			}
		}
		out = append(out, kv{key: r.Key, value: segment})
	}

	return out
}

func applyStripReplace(s, strip, replace string) string {
	if strip == "" {
		return s
	}
	return strings.ReplaceAll(s, strip, replace)
}
