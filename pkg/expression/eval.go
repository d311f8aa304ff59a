package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/doingodswork/streamfusion/pkg/stream"
)

// Kind names the type of an evaluation result.
type Kind string

const (
	KindBool    Kind = "boolean"
	KindNumber  Kind = "number"
	KindString  Kind = "string"
	KindList    Kind = "list"
	KindStreams Kind = "streams"
)

// Value is the result of evaluating an expression or sub-expression.
type Value struct {
	Kind    Kind
	Bool    bool
	Num     float64
	Str     string
	List    []string
	Streams []*stream.Stream
}

func Bool(b bool) Value                { return Value{Kind: KindBool, Bool: b} }
func Number(n float64) Value           { return Value{Kind: KindNumber, Num: n} }
func String(s string) Value            { return Value{Kind: KindString, Str: s} }
func List(l []string) Value            { return Value{Kind: KindList, List: l} }
func Streams(s []*stream.Stream) Value { return Value{Kind: KindStreams, Streams: s} }

// Truthy converts a value of any kind to a boolean: non-zero numbers,
// non-empty strings and non-empty lists are true.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num != 0
	case KindString:
		return v.Str != ""
	case KindList:
		return len(v.List) > 0
	case KindStreams:
		return len(v.Streams) > 0
	}
	return false
}

const streamsIdent = "streams"

// unknownAttr stands in for attributes the parser couldn't determine, so
// `resolution = "unknown"` matches streams without a detected resolution.
const unknownAttr = "unknown"

// Evaluate runs the expression against a candidate collection. Predicates
// yield the matching sub-list in input order; scalar expressions yield their
// boolean/number/string result. Errors are *TypeError.
func (e *Expression) Evaluate(streams []*stream.Stream) (Value, error) {
	ev := &evaluator{src: e.src, streams: streams}
	if e.predicate {
		var matched []*stream.Stream
		for _, s := range streams {
			ev.current = s
			v, err := ev.eval(e.root)
			if err != nil {
				return Value{}, err
			}
			if v.Truthy() {
				matched = append(matched, s)
			}
		}
		return Streams(matched), nil
	}
	return ev.eval(e.root)
}

// Select evaluates the expression and returns the selected streams. Scalar
// expressions fail with a *TypeError.
func (e *Expression) Select(streams []*stream.Stream) ([]*stream.Stream, error) {
	v, err := e.Evaluate(streams)
	if err != nil {
		return nil, err
	}
	if v.Kind != KindStreams {
		return nil, &TypeError{Expr: e.src, Got: v.Kind, Want: KindStreams}
	}
	return v.Streams, nil
}

// Bool evaluates the expression as a condition. Non-boolean results fail
// with a *TypeError.
func (e *Expression) Bool(streams []*stream.Stream) (bool, error) {
	v, err := e.Evaluate(streams)
	if err != nil {
		return false, err
	}
	if v.Kind != KindBool {
		return false, &TypeError{Expr: e.src, Got: v.Kind, Want: KindBool}
	}
	return v.Bool, nil
}

type evaluator struct {
	src     string
	streams []*stream.Stream
	current *stream.Stream
	reCache map[string]*regexp.Regexp
}

func (ev *evaluator) typeError(n node, got, want Kind) error {
	start, end := n.span()
	return &TypeError{Expr: strings.TrimSpace(ev.src[start:end]), Got: got, Want: want}
}

func (ev *evaluator) eval(n node) (Value, error) {
	switch t := n.(type) {
	case *litNode:
		return t.value, nil
	case *identNode:
		if t.name == streamsIdent {
			return Streams(ev.streams), nil
		}
		if ev.current == nil {
			// Field reference evaluated outside a per-stream context, e.g.
			// as a collection function argument.
			return Value{}, ev.typeError(t, KindString, KindStreams)
		}
		return fieldTable[t.name](ev.current), nil
	case *unaryNode:
		operand, err := ev.eval(t.operand)
		if err != nil {
			return Value{}, err
		}
		if t.op == "-" {
			if operand.Kind != KindNumber {
				return Value{}, ev.typeError(t.operand, operand.Kind, KindNumber)
			}
			return Number(-operand.Num), nil
		}
		return Bool(!operand.Truthy()), nil
	case *binaryNode:
		return ev.evalBinary(t)
	case *callNode:
		return ev.evalCall(t)
	}
	return Value{}, fmt.Errorf("unhandled expression node %T", n)
}

func (ev *evaluator) evalBinary(n *binaryNode) (Value, error) {
	if n.op == "and" || n.op == "or" {
		lhs, err := ev.eval(n.lhs)
		if err != nil {
			return Value{}, err
		}
		if n.op == "and" && !lhs.Truthy() {
			return Bool(false), nil
		}
		if n.op == "or" && lhs.Truthy() {
			return Bool(true), nil
		}
		rhs, err := ev.eval(n.rhs)
		if err != nil {
			return Value{}, err
		}
		return Bool(rhs.Truthy()), nil
	}

	lhs, err := ev.eval(n.lhs)
	if err != nil {
		return Value{}, err
	}
	rhs, err := ev.eval(n.rhs)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "=", "!=":
		eq, err := ev.valuesEqual(n, lhs, rhs)
		if err != nil {
			return Value{}, err
		}
		if n.op == "!=" {
			eq = !eq
		}
		return Bool(eq), nil
	case "<", "<=", ">", ">=":
		if lhs.Kind != KindNumber {
			return Value{}, ev.typeError(n.lhs, lhs.Kind, KindNumber)
		}
		if rhs.Kind != KindNumber {
			return Value{}, ev.typeError(n.rhs, rhs.Kind, KindNumber)
		}
		switch n.op {
		case "<":
			return Bool(lhs.Num < rhs.Num), nil
		case "<=":
			return Bool(lhs.Num <= rhs.Num), nil
		case ">":
			return Bool(lhs.Num > rhs.Num), nil
		default:
			return Bool(lhs.Num >= rhs.Num), nil
		}
	case "contains":
		if rhs.Kind != KindString {
			return Value{}, ev.typeError(n.rhs, rhs.Kind, KindString)
		}
		switch lhs.Kind {
		case KindString:
			return Bool(strings.Contains(strings.ToLower(lhs.Str), strings.ToLower(rhs.Str))), nil
		case KindList:
			return Bool(listContains(lhs.List, rhs.Str)), nil
		default:
			return Value{}, ev.typeError(n.lhs, lhs.Kind, KindString)
		}
	case "matches":
		if lhs.Kind != KindString {
			return Value{}, ev.typeError(n.lhs, lhs.Kind, KindString)
		}
		if rhs.Kind != KindString {
			return Value{}, ev.typeError(n.rhs, rhs.Kind, KindString)
		}
		re := n.re
		if re == nil {
			re, err = ev.compile(n.rhs, rhs.Str)
			if err != nil {
				return Value{}, err
			}
		}
		return Bool(re.MatchString(lhs.Str)), nil
	case "in":
		if lhs.Kind != KindString {
			return Value{}, ev.typeError(n.lhs, lhs.Kind, KindString)
		}
		if rhs.Kind != KindList {
			return Value{}, ev.typeError(n.rhs, rhs.Kind, KindList)
		}
		return Bool(listContains(rhs.List, lhs.Str)), nil
	}
	return Value{}, fmt.Errorf("unhandled operator %q", n.op)
}

func (ev *evaluator) valuesEqual(n *binaryNode, lhs, rhs Value) (bool, error) {
	switch lhs.Kind {
	case KindString:
		if rhs.Kind != KindString {
			return false, ev.typeError(n.rhs, rhs.Kind, KindString)
		}
		return strings.EqualFold(lhs.Str, rhs.Str), nil
	case KindNumber:
		if rhs.Kind != KindNumber {
			return false, ev.typeError(n.rhs, rhs.Kind, KindNumber)
		}
		return lhs.Num == rhs.Num, nil
	case KindBool:
		if rhs.Kind != KindBool {
			return false, ev.typeError(n.rhs, rhs.Kind, KindBool)
		}
		return lhs.Bool == rhs.Bool, nil
	default:
		return false, ev.typeError(n.lhs, lhs.Kind, KindString)
	}
}

// compile caches dynamically-built regular expressions for the lifetime of
// one evaluation. Literal patterns are compiled at parse time instead.
func (ev *evaluator) compile(n node, pattern string) (*regexp.Regexp, error) {
	if re, ok := ev.reCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, ev.typeError(n, KindString, Kind("regular expression"))
	}
	if ev.reCache == nil {
		ev.reCache = map[string]*regexp.Regexp{}
	}
	ev.reCache[pattern] = re
	return re, nil
}

func listContains(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// Per-stream field accessors. String attributes that the parser couldn't
// determine come back as "unknown" so they stay comparable.

var fieldTable = map[string]func(*stream.Stream) Value{
	"type": func(s *stream.Stream) Value { return String(string(s.Type)) },
	"size": func(s *stream.Stream) Value { return Number(float64(s.Size)) },
	"resolution": func(s *stream.Stream) Value {
		if s.File == nil || s.File.Resolution == "" {
			return String(unknownAttr)
		}
		return String(s.File.Resolution)
	},
	"quality": func(s *stream.Stream) Value {
		if s.File == nil || s.File.Quality == "" {
			return String(unknownAttr)
		}
		return String(s.File.Quality)
	},
	"encode": func(s *stream.Stream) Value {
		if s.File == nil || s.File.Encode == "" {
			return String(unknownAttr)
		}
		return String(s.File.Encode)
	},
	"seeders": func(s *stream.Stream) Value {
		if s.Torrent == nil {
			return Number(0)
		}
		return Number(float64(s.Torrent.Seeders))
	},
	"cached": func(s *stream.Stream) Value { return Bool(s.Cached()) },
	"service": func(s *stream.Stream) Value {
		if s.Service == nil {
			return String("")
		}
		return String(string(s.Service.ID))
	},
	"addon":   func(s *stream.Stream) Value { return String(addonName(s)) },
	"indexer": func(s *stream.Stream) Value { return String(s.Indexer) },
	"filename": func(s *stream.Stream) Value {
		return String(s.Filename)
	},
	"title": func(s *stream.Stream) Value {
		if s.File == nil {
			return String("")
		}
		return String(s.File.Title)
	},
	"year": func(s *stream.Stream) Value {
		if s.File == nil {
			return Number(0)
		}
		return Number(float64(s.File.Year))
	},
	"season": func(s *stream.Stream) Value {
		if s.File == nil {
			return Number(0)
		}
		return Number(float64(s.File.Season))
	},
	"episode": func(s *stream.Stream) Value {
		if s.File == nil {
			return Number(0)
		}
		return Number(float64(s.File.Episode))
	},
	// age is exposed in seconds
	"age":     func(s *stream.Stream) Value { return Number(s.Age.Seconds()) },
	"library": func(s *stream.Stream) Value { return Bool(s.Library) },
	"languages": func(s *stream.Stream) Value {
		if s.File == nil {
			return List(nil)
		}
		return List(s.File.Languages)
	},
	"visualtags": func(s *stream.Stream) Value {
		if s.File == nil {
			return List(nil)
		}
		return List(s.File.VisualTags)
	},
	"audiotags": func(s *stream.Stream) Value {
		if s.File == nil {
			return List(nil)
		}
		return List(s.File.AudioTags)
	},
	"audiochannels": func(s *stream.Stream) Value {
		if s.File == nil {
			return List(nil)
		}
		return List(s.File.AudioChannels)
	},
	"releasegroup": func(s *stream.Stream) Value {
		if s.File == nil {
			return String("")
		}
		return String(s.File.ReleaseGroup)
	},
	"regexmatched":   func(s *stream.Stream) Value { return String(s.RegexMatched) },
	"keywordmatched": func(s *stream.Stream) Value { return Bool(s.KeywordMatched) },
}

func addonName(s *stream.Stream) string {
	if s.Addon == nil {
		return ""
	}
	if s.Addon.DisplayName != "" {
		return s.Addon.DisplayName
	}
	return s.Addon.InstanceID
}

// Collection functions

type builtin struct {
	arity int
	eval  func(ev *evaluator, call *callNode, args []Value) (Value, error)
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"count": {arity: 1, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			list, err := ev.streamsArg(call, args, 0)
			if err != nil {
				return Value{}, err
			}
			return Number(float64(len(list))), nil
		}},
		"cached": {arity: 1, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.filterArg(call, args, func(s *stream.Stream) bool { return s.Cached() })
		}},
		"uncached": {arity: 1, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.filterArg(call, args, func(s *stream.Stream) bool { return !s.Cached() })
		}},
		"first": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			list, err := ev.streamsArg(call, args, 0)
			if err != nil {
				return Value{}, err
			}
			n, err := ev.numberArg(call, args, 1)
			if err != nil {
				return Value{}, err
			}
			limit := int(n)
			if limit < 0 {
				limit = 0
			}
			if limit > len(list) {
				limit = len(list)
			}
			return Streams(list[:limit]), nil
		}},
		"merge": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			a, err := ev.streamsArg(call, args, 0)
			if err != nil {
				return Value{}, err
			}
			b, err := ev.streamsArg(call, args, 1)
			if err != nil {
				return Value{}, err
			}
			merged := make([]*stream.Stream, 0, len(a)+len(b))
			merged = append(merged, a...)
			merged = append(merged, b...)
			return Streams(merged), nil
		}},
		"type": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.attrFilter(call, args, func(s *stream.Stream, v string) bool {
				return strings.EqualFold(string(s.Type), v)
			})
		}},
		"resolution": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.attrFilter(call, args, func(s *stream.Stream, v string) bool {
				return attrEqual(fileAttr(s, func(f fileAttrs) string { return f.resolution }), v)
			})
		}},
		"quality": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.attrFilter(call, args, func(s *stream.Stream, v string) bool {
				return attrEqual(fileAttr(s, func(f fileAttrs) string { return f.quality }), v)
			})
		}},
		"encode": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.attrFilter(call, args, func(s *stream.Stream, v string) bool {
				return attrEqual(fileAttr(s, func(f fileAttrs) string { return f.encode }), v)
			})
		}},
		"service": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.attrFilter(call, args, func(s *stream.Stream, v string) bool {
				return s.Service != nil && strings.EqualFold(string(s.Service.ID), v)
			})
		}},
		"addon": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.attrFilter(call, args, func(s *stream.Stream, v string) bool {
				if s.Addon == nil {
					return false
				}
				return strings.EqualFold(s.Addon.DisplayName, v) || strings.EqualFold(s.Addon.InstanceID, v)
			})
		}},
		"indexer": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			return ev.attrFilter(call, args, func(s *stream.Stream, v string) bool {
				return strings.EqualFold(s.Indexer, v)
			})
		}},
		"group": {arity: 2, eval: func(ev *evaluator, call *callNode, args []Value) (Value, error) {
			list, err := ev.streamsArg(call, args, 0)
			if err != nil {
				return Value{}, err
			}
			n, err := ev.numberArg(call, args, 1)
			if err != nil {
				return Value{}, err
			}
			var matched []*stream.Stream
			for _, s := range list {
				if s.Group == int(n) {
					matched = append(matched, s)
				}
			}
			return Streams(matched), nil
		}},
	}
}

func (ev *evaluator) evalCall(n *callNode) (Value, error) {
	fn := builtins[n.name]
	args := make([]Value, len(n.args))
	for i, arg := range n.args {
		v, err := ev.eval(arg)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	return fn.eval(ev, n, args)
}

func (ev *evaluator) streamsArg(call *callNode, args []Value, idx int) ([]*stream.Stream, error) {
	if args[idx].Kind != KindStreams {
		return nil, ev.typeError(call.args[idx], args[idx].Kind, KindStreams)
	}
	return args[idx].Streams, nil
}

func (ev *evaluator) numberArg(call *callNode, args []Value, idx int) (float64, error) {
	if args[idx].Kind != KindNumber {
		return 0, ev.typeError(call.args[idx], args[idx].Kind, KindNumber)
	}
	return args[idx].Num, nil
}

func (ev *evaluator) stringArg(call *callNode, args []Value, idx int) (string, error) {
	if args[idx].Kind != KindString {
		return "", ev.typeError(call.args[idx], args[idx].Kind, KindString)
	}
	return args[idx].Str, nil
}

func (ev *evaluator) filterArg(call *callNode, args []Value, keep func(*stream.Stream) bool) (Value, error) {
	list, err := ev.streamsArg(call, args, 0)
	if err != nil {
		return Value{}, err
	}
	var matched []*stream.Stream
	for _, s := range list {
		if keep(s) {
			matched = append(matched, s)
		}
	}
	return Streams(matched), nil
}

func (ev *evaluator) attrFilter(call *callNode, args []Value, match func(*stream.Stream, string) bool) (Value, error) {
	list, err := ev.streamsArg(call, args, 0)
	if err != nil {
		return Value{}, err
	}
	v, err := ev.stringArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	var matched []*stream.Stream
	for _, s := range list {
		if match(s, v) {
			matched = append(matched, s)
		}
	}
	return Streams(matched), nil
}

type fileAttrs struct {
	resolution, quality, encode string
}

func fileAttr(s *stream.Stream, pick func(fileAttrs) string) string {
	if s.File == nil {
		return ""
	}
	return pick(fileAttrs{resolution: s.File.Resolution, quality: s.File.Quality, encode: s.File.Encode})
}

func attrEqual(attr, v string) bool {
	if attr == "" {
		attr = unknownAttr
	}
	return strings.EqualFold(attr, v)
}
