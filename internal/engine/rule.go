// Package engine implements the declarative provider adapter: endpoint
// template resolution, response mapping evaluation and the typed HTTP
// client that together service every configured upstream API.
package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"
)

// Kind tags the primitive type of a mapped value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
)

// Value is one mapped primitive. Numbers keep their literal representation
// so money parsing never passes through binary floats.
type Value struct {
	Kind Kind
	Str  string
}

func (v Value) String() string { return v.Str }

// Float returns the numeric value; only for non-money fields.
func (v Value) Float() (float64, error) {
	return strconv.ParseFloat(v.Str, 64)
}

// Int truncates the numeric value to an integer.
func (v Value) Int() (int64, error) {
	s := v.Str
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if s == "" || s == "-" {
		return 0, fmt.Errorf("engine: %q is not an integer", v.Str)
	}
	return strconv.ParseInt(s, 10, 64)
}

func (v Value) Bool() bool {
	switch strings.ToLower(v.Str) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func (v Value) IsEmpty() bool { return v.Kind == KindNull || v.Str == "" }

type selectorKind int

const (
	selPath selectorKind = iota
	selJSONPath
	selKey
	selParentKey
	selGrandParentKey
	selAtDepth
	selValue
	selIndex
)

type selector struct {
	kind  selectorKind
	path  string
	depth int
}

type transformKind int

const (
	trNumber transformKind = iota
	trInt
	trFloat
	trString
	trBool
	trDefault
	trIfEmpty
)

type transform struct {
	kind transformKind
	arg  string
}

// Rule is a parsed field rule: an ordered fallback chain of selectors
// followed by transforms.
type Rule struct {
	raw          string
	alternatives []selector
	transforms   []transform
}

// ParseRule compiles a field rule string. Grammar:
//
//	rule       = selector *( "|" selector ) *( "#" transform )
//	selector   = reserved | jsonpath | path
//	reserved   = "$key" | "$parentKey" | "$grandParentKey" | "$value"
//	           | "$index" | "$atDepth:" N
//	jsonpath   = "$." ...
//	transform  = "number" | "int" | "float" | "string" | "boolean"
//	           | "default:" literal | "ifEmpty:" literal
func ParseRule(raw string) (*Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("engine: empty field rule")
	}

	parts := strings.Split(raw, "#")
	rule := &Rule{raw: raw}

	for _, alt := range strings.Split(parts[0], "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			return nil, fmt.Errorf("engine: rule %q has an empty alternative", raw)
		}
		sel, err := parseSelector(alt)
		if err != nil {
			return nil, err
		}
		rule.alternatives = append(rule.alternatives, sel)
	}

	for _, tr := range parts[1:] {
		tr = strings.TrimSpace(tr)
		t, err := parseTransform(tr)
		if err != nil {
			return nil, err
		}
		rule.transforms = append(rule.transforms, t)
	}
	return rule, nil
}

func parseSelector(s string) (selector, error) {
	if !strings.HasPrefix(s, "$") {
		return selector{kind: selPath, path: s}, nil
	}
	switch {
	case s == "$key":
		return selector{kind: selKey}, nil
	case s == "$parentKey":
		return selector{kind: selParentKey}, nil
	case s == "$grandParentKey":
		return selector{kind: selGrandParentKey}, nil
	case s == "$value":
		return selector{kind: selValue}, nil
	case s == "$index":
		return selector{kind: selIndex}, nil
	case strings.HasPrefix(s, "$atDepth:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "$atDepth:"))
		if err != nil || n < 0 {
			return selector{}, fmt.Errorf("engine: malformed depth accessor %q", s)
		}
		return selector{kind: selAtDepth, depth: n}, nil
	case strings.HasPrefix(s, "$."):
		return selector{kind: selJSONPath, path: s}, nil
	}
	return selector{}, fmt.Errorf("engine: unknown accessor %q", s)
}

func parseTransform(s string) (transform, error) {
	switch {
	case s == "number":
		return transform{kind: trNumber}, nil
	case s == "int":
		return transform{kind: trInt}, nil
	case s == "float":
		return transform{kind: trFloat}, nil
	case s == "string":
		return transform{kind: trString}, nil
	case s == "boolean":
		return transform{kind: trBool}, nil
	case strings.HasPrefix(s, "default:"):
		return transform{kind: trDefault, arg: strings.TrimPrefix(s, "default:")}, nil
	case strings.HasPrefix(s, "ifEmpty:"):
		return transform{kind: trIfEmpty, arg: strings.TrimPrefix(s, "ifEmpty:")}, nil
	}
	return transform{}, fmt.Errorf("engine: unknown transform %q", s)
}

// evalContext carries everything a rule may reference while projecting one
// row: the current node, its ancestor keys root-first, the element index
// and the bound primitive for keyed mappings.
type evalContext struct {
	doc     gjson.Result
	keyPath []string
	index   int
	value   *Value
}

// Eval resolves the rule against ctx. The second return is false when no
// alternative produced a defined, non-null value and no default applied.
func (r *Rule) Eval(ctx evalContext) (Value, bool) {
	var out Value
	ok := false
	for _, alt := range r.alternatives {
		if v, defined := resolveSelector(alt, ctx); defined {
			out, ok = v, true
			break
		}
	}
	for _, tr := range r.transforms {
		out, ok = applyTransform(tr, out, ok)
	}
	if !ok {
		return Value{}, false
	}
	return out, true
}

func resolveSelector(sel selector, ctx evalContext) (Value, bool) {
	switch sel.kind {
	case selKey:
		return ancestorKey(ctx.keyPath, 0)
	case selParentKey:
		return ancestorKey(ctx.keyPath, 1)
	case selGrandParentKey:
		return ancestorKey(ctx.keyPath, 2)
	case selAtDepth:
		if sel.depth >= len(ctx.keyPath) {
			return Value{}, false
		}
		return Value{Kind: KindString, Str: ctx.keyPath[sel.depth]}, true
	case selValue:
		if ctx.value == nil {
			return Value{}, false
		}
		return *ctx.value, true
	case selIndex:
		if ctx.index < 0 {
			return Value{}, false
		}
		return Value{Kind: KindNumber, Str: strconv.Itoa(ctx.index)}, true
	case selJSONPath:
		return resolveJSONPath(sel.path, ctx.doc)
	default:
		res := ctx.doc.Get(sel.path)
		return fromGjson(res)
	}
}

// ancestorKey returns the key n levels above the current node; 0 is the
// key of the node itself.
func ancestorKey(keyPath []string, n int) (Value, bool) {
	i := len(keyPath) - 1 - n
	if i < 0 {
		return Value{}, false
	}
	return Value{Kind: KindString, Str: keyPath[i]}, true
}

func resolveJSONPath(path string, doc gjson.Result) (Value, bool) {
	if !doc.Exists() {
		return Value{}, false
	}
	var node interface{}
	if err := json.Unmarshal([]byte(doc.Raw), &node); err != nil {
		return Value{}, false
	}
	got, err := jsonpath.Get(path, node)
	if err != nil {
		return Value{}, false
	}
	return fromInterface(got)
}

func fromGjson(res gjson.Result) (Value, bool) {
	if !res.Exists() || res.Type == gjson.Null {
		return Value{}, false
	}
	switch res.Type {
	case gjson.String:
		return Value{Kind: KindString, Str: res.Str}, true
	case gjson.Number:
		return Value{Kind: KindNumber, Str: res.Raw}, true
	case gjson.True:
		return Value{Kind: KindBool, Str: "true"}, true
	case gjson.False:
		return Value{Kind: KindBool, Str: "false"}, true
	default:
		// Objects and arrays surface as their raw JSON text.
		return Value{Kind: KindString, Str: res.Raw}, true
	}
}

func fromInterface(v interface{}) (Value, bool) {
	switch t := v.(type) {
	case nil:
		return Value{}, false
	case string:
		return Value{Kind: KindString, Str: t}, true
	case bool:
		return Value{Kind: KindBool, Str: strconv.FormatBool(t)}, true
	case float64:
		return Value{Kind: KindNumber, Str: strconv.FormatFloat(t, 'f', -1, 64)}, true
	case json.Number:
		return Value{Kind: KindNumber, Str: t.String()}, true
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: KindString, Str: string(raw)}, true
	}
}

func applyTransform(tr transform, v Value, defined bool) (Value, bool) {
	switch tr.kind {
	case trDefault:
		if !defined || v.Kind == KindNull {
			return literalValue(tr.arg), true
		}
		return v, defined
	case trIfEmpty:
		if defined && v.Str == "" {
			return literalValue(tr.arg), true
		}
		return v, defined
	}
	if !defined {
		return v, false
	}
	switch tr.kind {
	case trNumber, trFloat:
		if v.Kind == KindNumber {
			return v, true
		}
		s := strings.TrimSpace(v.Str)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return Value{}, false
		}
		return Value{Kind: KindNumber, Str: s}, true
	case trInt:
		n, err := (Value{Kind: v.Kind, Str: strings.TrimSpace(v.Str)}).Int()
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: KindNumber, Str: strconv.FormatInt(n, 10)}, true
	case trString:
		return Value{Kind: KindString, Str: v.Str}, true
	case trBool:
		return Value{Kind: KindBool, Str: strconv.FormatBool(v.Bool())}, true
	}
	return v, defined
}

func literalValue(lit string) Value {
	switch lit {
	case "true", "false":
		return Value{Kind: KindBool, Str: lit}
	}
	if _, err := strconv.ParseFloat(lit, 64); err == nil {
		return Value{Kind: KindNumber, Str: lit}
	}
	return Value{Kind: KindString, Str: lit}
}
