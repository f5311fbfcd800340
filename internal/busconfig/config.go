// Package busconfig implements ConfigLoader (component H): it reads
// the service-configuration XML vocabulary fixed by spec §6 through a
// RuleBinder, translating elements into ServiceConfig registrations
// (complete with their declarative treebind.BindingDesc sets), with
// `${token}` references expanded by a filtering read layer before the
// parser ever sees them.
package busconfig

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/mevansam/gobus/internal/busmsg"
	"github.com/mevansam/gobus/internal/rulebind"
	"github.com/mevansam/gobus/internal/treebind"
	"github.com/mevansam/gobus/internal/xmldriver"
)

// HTTPServiceConfig mirrors the <httpConfig> element.
type HTTPServiceConfig struct {
	Timeout     time.Duration
	Method      string
	ContentType string
}

// ServiceConfig is one <service> block, fully parsed: its transport
// settings, request template, and the binding descriptions that will
// drive a treebind.TreeBinder for its responses.
type ServiceConfig struct {
	Name            string
	URL             string
	Type            string
	HTTP            HTTPServiceConfig
	Headers         map[string]string
	RequestTemplate string
	Bindings        []treebind.BindingDesc
}

// TokenFallback is consulted for a `${NAME}` reference the caller's
// token map doesn't resolve.
type TokenFallback func(name string) (string, bool)

// ConfigLoader parses one or more service-configuration XML documents
// into ServiceConfig values. It is single-writer, like every other
// binder in this module: Load locks the underlying RuleBinder for the
// duration of the parse.
type ConfigLoader struct {
	logger        *slog.Logger
	tokens        map[string]string
	tokenFallback TokenFallback

	rb *rulebind.RuleBinder

	services []*ServiceConfig
	cur      *ServiceConfig
	curBind  *treebind.BindingDesc
}

// NewConfigLoader returns a ConfigLoader ready to Load documents.
// tokens is consulted first for every `${NAME}` reference, then
// fallback if non-nil.
func NewConfigLoader(logger *slog.Logger, tokens map[string]string, fallback TokenFallback) *ConfigLoader {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = make(map[string]string)
	}
	cl := &ConfigLoader{
		logger:        logger,
		tokens:        tokens,
		tokenFallback: fallback,
		rb:            rulebind.New(),
	}
	cl.registerRules()
	return cl
}

// Load parses r (after token expansion) and returns every <service>
// block it declared.
func (cl *ConfigLoader) Load(r io.Reader) ([]*ServiceConfig, error) {
	if !cl.rb.Lock() {
		return nil, busmsg.NewError(busmsg.ErrBinderLocked, "config loader already parsing")
	}
	defer cl.rb.Unlock()

	expanded, err := newTokenExpandingReader(r, cl.resolveToken)
	if err != nil {
		return nil, fmt.Errorf("expand config tokens: %w", err)
	}

	cl.rb.Reset()
	cl.services = nil
	cl.cur = nil
	cl.curBind = nil

	driver := xmldriver.New(cl.rb)
	buf := make([]byte, 4096)
	for {
		n, rerr := expanded.Read(buf)
		if n > 0 {
			if perr := driver.Parse(buf[:n], false); perr != nil {
				return nil, perr
			}
		}
		if rerr == io.EOF {
			if perr := driver.Parse(nil, true); perr != nil {
				return nil, perr
			}
			return cl.services, nil
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

func parseBindKind(s string) treebind.Kind {
	switch s {
	case "list":
		return treebind.KindList
	case "value":
		return treebind.KindValue
	default:
		return treebind.KindMap
	}
}

func atoiPtr(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// registerRules wires the fixed vocabulary from spec §6 onto the
// loader's RuleBinder: service/httpConfig/headers/requestTemplate at
// the service level, bind/parse/mapping for the declarative binding
// tree.
func (cl *ConfigLoader) registerRules() {
	rb := cl.rb

	rb.AddBeginRule("messagebus-config/service", func(_ *rulebind.RuleBinder, _ string, attrs map[string]string) {
		cl.cur = &ServiceConfig{
			Name:    attrs["name"],
			URL:     attrs["url"],
			Type:    attrs["type"],
			Headers: make(map[string]string),
		}
	})
	rb.AddEndRule("messagebus-config/service", func(*rulebind.RuleBinder, string, string) {
		if cl.cur == nil {
			return
		}
		cl.services = append(cl.services, cl.cur)
		cl.cur = nil
	})

	rb.AddBeginRule("messagebus-config/service/httpConfig", func(_ *rulebind.RuleBinder, _ string, attrs map[string]string) {
		if cl.cur == nil {
			return
		}
		if ms := atoiPtr(attrs["timeout"]); ms != nil {
			cl.cur.HTTP.Timeout = time.Duration(*ms) * time.Millisecond
		}
		cl.cur.HTTP.Method = attrs["httpMethod"]
		cl.cur.HTTP.ContentType = attrs["contentType"]
	})

	rb.AddBeginRule("messagebus-config/service/headers/header", func(_ *rulebind.RuleBinder, _ string, attrs map[string]string) {
		if cl.cur == nil {
			return
		}
		cl.cur.Headers[attrs["name"]] = attrs["value"]
	})

	rb.AddEndRule("messagebus-config/service/requestTemplate", func(_ *rulebind.RuleBinder, _ string, body string) {
		if cl.cur == nil {
			return
		}
		cl.cur.RequestTemplate = body
	})

	rb.AddBeginRule("messagebus-config/service/bindings/bind", func(_ *rulebind.RuleBinder, _ string, attrs map[string]string) {
		if cl.cur == nil {
			return
		}
		cl.curBind = &treebind.BindingDesc{
			Path:    attrs["path"],
			Key:     attrs["key"],
			Ref:     attrs["ref"],
			IsIndex: attrs["index"] == "true",
			Kind:    parseBindKind(attrs["type"]),
		}
	})
	rb.AddEndRule("messagebus-config/service/bindings/bind", func(*rulebind.RuleBinder, string, string) {
		if cl.cur == nil || cl.curBind == nil {
			return
		}
		cl.cur.Bindings = append(cl.cur.Bindings, *cl.curBind)
		cl.curBind = nil
	})

	rb.AddBeginRule("messagebus-config/service/bindings/bind/parse", func(_ *rulebind.RuleBinder, _ string, attrs map[string]string) {
		if cl.curBind == nil {
			return
		}
		rule := treebind.ParseRule{
			Key:     attrs["key"],
			Strip:   attrs["strip"],
			Replace: attrs["replace"],
			Offset:  atoiPtr(attrs["offset"]),
			Length:  atoiPtr(attrs["length"]),
		}
		if d := attrs["delim"]; d != "" {
			r := []rune(d)[0]
			rule.Delim = &r
		}
		cl.curBind.ParseRules = append(cl.curBind.ParseRules, rule)
	})

	rb.AddBeginRule("messagebus-config/service/bindings/bind/parse/mapping", func(_ *rulebind.RuleBinder, _ string, attrs map[string]string) {
		if cl.curBind == nil || len(cl.curBind.ParseRules) == 0 {
			return
		}
		last := &cl.curBind.ParseRules[len(cl.curBind.ParseRules)-1]
		if last.ValueMap == nil {
			last.ValueMap = make(map[string]string)
		}
		last.ValueMap[attrs["from"]] = attrs["to"]
	})
}
