package treebind

import (
	"testing"

	"github.com/mevansam/gobus/internal/xmldriver"
)

func drive(t *testing.T, tb *TreeBinder, doc string) {
	t.Helper()
	tb.BeginBinding()
	d := xmldriver.New(tb)
	if err := d.Parse([]byte(doc), true); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tb.EndBinding()
}

func TestSimpleMapAndValueBinding(t *testing.T) {
	tb := New(nil)
	tb.AddBinding(&BindingDesc{Path: "root/item", Key: "item", Kind: KindMap})
	tb.AddBinding(&BindingDesc{Path: "root/item/name", Key: "name", Kind: KindValue})

	drive(t, tb, `<root><item><name>widget</name></item></root>`)

	root := tb.Root()
	item := root.Get("item")
	if item == nil {
		t.Fatal("expected root to have an item entry")
	}
	name := item.Get("name")
	if name == nil || name.Value() != "widget" {
		t.Fatalf("item.name = %+v, want value %q", name, "widget")
	}
}

func TestListBindingCollectsMultipleEntries(t *testing.T) {
	tb := New(nil)
	tb.AddBinding(&BindingDesc{Path: "root/items", Key: "items", Kind: KindList})
	tb.AddBinding(&BindingDesc{Path: "root/items/item", Kind: KindMap})
	tb.AddBinding(&BindingDesc{Path: "root/items/item/name", Key: "name", Kind: KindValue})

	drive(t, tb, `<root><items><item><name>a</name></item><item><name>b</name></item></items></root>`)

	items := tb.Root().Get("items")
	if items == nil || items.Len() != 2 {
		t.Fatalf("items = %+v, want a 2-element list", items)
	}
	if items.GetIndex(0).Get("name").Value() != "a" {
		t.Error("items[0].name != a")
	}
	if items.GetIndex(1).Get("name").Value() != "b" {
		t.Error("items[1].name != b")
	}
}

// TestRepeatedElementBoundAsListAccumulates exercises the same-path
// reentry path in beginList: a List binding on a repeated sibling
// element itself (not on a wrapping container) accumulates every
// occurrence into one continuous list across separate begin/end pairs.
// This is spec §8 scenario 3's DynTree JSON example.
func TestRepeatedElementBoundAsListAccumulates(t *testing.T) {
	tb := New(nil)
	tb.AddBinding(&BindingDesc{Path: "root/a", Key: "a", Kind: KindValue})
	tb.AddBinding(&BindingDesc{Path: "root/b", Key: "b", Kind: KindList})
	tb.AddBinding(&BindingDesc{Path: "root/b/x", Kind: KindValue})

	drive(t, tb, `<root><a>1</a><b><x>x</x></b><b><x>y</x></b></root>`)

	got := tb.Root().ToJSON(-1)
	want := `{"a":"1","b":["x","y"]}`
	if got != want {
		t.Errorf("ToJSON() = %q, want %q", got, want)
	}
}

// TestParseRuleSplit exercises spec §8 scenario 4.
func TestParseRuleSplit(t *testing.T) {
	two := 2
	comma := ','

	tb := New(nil)
	tb.AddBinding(&BindingDesc{Path: "root/detail", Key: "detail", Kind: KindMap})
	tb.AddBinding(&BindingDesc{
		Path: "root/detail/value",
		Kind: KindValue,
		ParseRules: []ParseRule{
			{Key: "k1", Length: &two},
			{Key: "k2", Delim: &comma},
			{Key: "k3"},
		},
	})

	drive(t, tb, `<root><detail><value>AB,CDEF,GH</value></detail></root>`)

	detail := tb.Root().Get("detail")
	if detail == nil {
		t.Fatal("expected root to have a detail container")
	}
	got := detail.ToJSON(-1)
	want := `{"k1":"AB","k2":"CDEF","k3":"GH"}`
	if got != want {
		t.Errorf("parse-rule record = %q, want %q", got, want)
	}
}

func TestIndexedAttachmentIntoList(t *testing.T) {
	tb := New(nil)
	tb.AddBinding(&BindingDesc{Path: "root/sums", Key: "sums", Kind: KindList})
	tb.AddBinding(&BindingDesc{Path: "root/sums/sumitem", Kind: KindMap})
	tb.AddBinding(&BindingDesc{Path: "root/sums/sumitem/@id", Kind: KindValue, IsIndex: true})
	tb.AddBinding(&BindingDesc{Path: "root/sums/sumitem/amount", Key: "amount", Kind: KindValue})

	drive(t, tb, `<root><sums><sumitem id="X"><amount>10</amount></sumitem></sums></root>`)

	sums := tb.Root().Get("sums")
	if sums == nil || sums.Len() != 1 {
		t.Fatalf("sums = %+v, want a 1-element list", sums)
	}
	entry := sums.GetIndex(0)
	if entry == nil || entry.Get("amount").Value() != "10" {
		t.Fatalf("sums[0] = %+v, want amount=10", entry)
	}
	// the index-only @id binding (no Key, no Ref) targets by business
	// key without itself attaching a tree node.
	if entry.ContainsKey("id") {
		t.Error("index-only binding should not attach a value under its own name")
	}
}

func TestDeferredListFlushBeforeSiblingBegin(t *testing.T) {
	tb := New(nil)
	tb.AddBinding(&BindingDesc{Path: "root/items", Key: "items", Kind: KindList})
	tb.AddBinding(&BindingDesc{Path: "root/items/item", Kind: KindValue})
	tb.AddBinding(&BindingDesc{Path: "root/trailer", Key: "trailer", Kind: KindValue})

	drive(t, tb, `<root><items><item>a</item></items><trailer>done</trailer></root>`)

	root := tb.Root()
	if root.Get("items") == nil {
		t.Fatal("expected items list to have been flushed and attached")
	}
	if root.Get("trailer") == nil || root.Get("trailer").Value() != "done" {
		t.Fatal("expected trailer value to attach after deferred list flush")
	}
}
