package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/numhive/platform/internal/domain/provider"
)

// Row is one normalized record produced by a mapping.
type Row map[string]Value

// Get returns the value for field, defined or not.
func (r Row) Get(field string) (Value, bool) {
	v, ok := r[field]
	return v, ok
}

// Str returns the field as a string, or "".
func (r Row) Str(field string) string {
	if v, ok := r[field]; ok {
		return v.Str
	}
	return ""
}

// Mapping is a compiled response-mapping spec ready for evaluation.
type Mapping struct {
	spec    provider.MappingSpec
	fields  map[string]*Rule
	pattern *regexp.Regexp
}

// CompileMapping parses the field rules and pattern of spec once so hot
// paths evaluate without re-parsing.
func CompileMapping(spec provider.MappingSpec) (*Mapping, error) {
	m := &Mapping{spec: spec, fields: make(map[string]*Rule, len(spec.Fields))}

	switch spec.Type {
	case provider.MapJSONArray, provider.MapJSONObject, provider.MapJSONDictionary,
		provider.MapJSONValue, provider.MapJSONArrayPositional,
		provider.MapJSONKeyedValue, provider.MapJSONNestedArray:
	case provider.MapTextRegex:
		if strings.TrimSpace(spec.Pattern) == "" {
			return nil, fmt.Errorf("engine: text_regex mapping requires a pattern")
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("engine: compile pattern: %w", err)
		}
		m.pattern = re
	default:
		return nil, fmt.Errorf("engine: unknown mapping type %q", spec.Type)
	}

	for name, raw := range spec.Fields {
		rule, err := ParseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("engine: field %q: %w", name, err)
		}
		m.fields[name] = rule
	}
	return m, nil
}

// Eval projects a raw response body into normalized rows.
func (m *Mapping) Eval(body []byte) ([]Row, error) {
	if m.spec.Type == provider.MapTextRegex {
		return m.evalRegex(string(body))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("engine: response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)

	if m.spec.ErrorPath != "" {
		if e := doc.Get(m.spec.ErrorPath); e.Exists() && e.Str != "" {
			return nil, &UpstreamError{Literal: e.Str}
		}
	}

	root := doc
	if m.spec.Root != "" {
		root = doc.Get(m.spec.Root)
		if !root.Exists() {
			return nil, fmt.Errorf("engine: root path %q not found", m.spec.Root)
		}
	}

	switch m.spec.Type {
	case provider.MapJSONArray:
		return m.evalArray(root)
	case provider.MapJSONObject:
		return m.evalObject(root)
	case provider.MapJSONDictionary:
		return m.evalDictionary(root)
	case provider.MapJSONValue:
		return m.evalValue(root)
	case provider.MapJSONArrayPositional:
		return m.evalPositional(root)
	case provider.MapJSONKeyedValue:
		return m.evalKeyedValue(root)
	case provider.MapJSONNestedArray:
		return m.evalNestedArray(root)
	}
	return nil, fmt.Errorf("engine: unknown mapping type %q", m.spec.Type)
}

func (m *Mapping) project(ctx evalContext) Row {
	row := make(Row, len(m.fields))
	for name, rule := range m.fields {
		if v, ok := rule.Eval(ctx); ok {
			row[name] = v
		}
	}
	return row
}

func (m *Mapping) evalArray(root gjson.Result) ([]Row, error) {
	if !root.IsArray() {
		return nil, fmt.Errorf("engine: json_array root is not an array")
	}
	var rows []Row
	i := 0
	root.ForEach(func(_, elem gjson.Result) bool {
		ctx := evalContext{doc: elem, index: i}
		if v, ok := fromGjson(elem); ok && !elem.IsObject() && !elem.IsArray() {
			ctx.value = &v
		}
		rows = append(rows, m.project(ctx))
		i++
		return true
	})
	return rows, nil
}

func (m *Mapping) evalObject(root gjson.Result) ([]Row, error) {
	if !root.IsObject() {
		return nil, fmt.Errorf("engine: json_object root is not an object")
	}
	return []Row{m.project(evalContext{doc: root, index: -1})}, nil
}

func (m *Mapping) evalValue(root gjson.Result) ([]Row, error) {
	v, ok := fromGjson(root)
	if !ok {
		return nil, fmt.Errorf("engine: json_value root is null or missing")
	}
	if len(m.fields) == 0 {
		return []Row{{"value": v}}, nil
	}
	ctx := evalContext{doc: root, index: -1, value: &v}
	return []Row{m.project(ctx)}, nil
}

// evalDictionary walks a nested mapping, binding ancestor keys root-first.
// A node is a leaf when the configured depth is reached, or, with no
// configured depth, when it is not an object or has no object children.
func (m *Mapping) evalDictionary(root gjson.Result) ([]Row, error) {
	if !root.IsObject() {
		return nil, fmt.Errorf("engine: json_dictionary root is not an object")
	}
	var rows []Row
	m.walkDictionary(root, nil, &rows)
	return rows, nil
}

func (m *Mapping) walkDictionary(node gjson.Result, keyPath []string, out *[]Row) {
	if m.dictLeaf(node, len(keyPath)) {
		ctx := evalContext{doc: node, keyPath: keyPath, index: -1}
		if v, ok := fromGjson(node); ok && !node.IsObject() && !node.IsArray() {
			ctx.value = &v
		}
		*out = append(*out, m.project(ctx))
		return
	}
	node.ForEach(func(key, child gjson.Result) bool {
		next := make([]string, len(keyPath), len(keyPath)+1)
		copy(next, keyPath)
		m.walkDictionary(child, append(next, key.Str), out)
		return true
	})
}

func (m *Mapping) dictLeaf(node gjson.Result, depth int) bool {
	if m.spec.Depth > 0 {
		return depth >= m.spec.Depth
	}
	if depth == 0 {
		return false
	}
	if !node.IsObject() {
		return true
	}
	hasObjectChild := false
	node.ForEach(func(_, child gjson.Result) bool {
		if child.IsObject() {
			hasObjectChild = true
			return false
		}
		return true
	})
	return !hasObjectChild
}

func (m *Mapping) evalKeyedValue(root gjson.Result) ([]Row, error) {
	if !root.IsObject() {
		return nil, fmt.Errorf("engine: json_keyed_value root is not an object")
	}
	keyField := m.spec.KeyField
	if keyField == "" {
		keyField = "key"
	}
	valueField := m.spec.ValueField
	if valueField == "" {
		valueField = "value"
	}

	var rows []Row
	root.ForEach(func(key, val gjson.Result) bool {
		v, ok := fromGjson(val)
		if !ok {
			return true
		}
		if len(m.fields) == 0 {
			rows = append(rows, Row{
				keyField:   {Kind: KindString, Str: key.Str},
				valueField: v,
			})
			return true
		}
		ctx := evalContext{doc: val, keyPath: []string{key.Str}, index: -1, value: &v}
		rows = append(rows, m.project(ctx))
		return true
	})
	return rows, nil
}

func (m *Mapping) evalPositional(root gjson.Result) ([]Row, error) {
	if !root.IsArray() {
		return nil, fmt.Errorf("engine: json_array_positional root is not an array")
	}
	if len(m.spec.Columns) == 0 {
		return nil, fmt.Errorf("engine: json_array_positional requires columns")
	}
	return m.tupleRows(root, m.spec.Columns, 0)
}

func (m *Mapping) evalNestedArray(root gjson.Result) ([]Row, error) {
	if !root.IsArray() {
		return nil, fmt.Errorf("engine: json_nested_array root is not an array")
	}
	tuples := root.Array()
	if len(tuples) == 0 {
		return nil, nil
	}
	header := tuples[0]
	if !header.IsArray() {
		return nil, fmt.Errorf("engine: json_nested_array first row must name columns")
	}
	var columns []string
	header.ForEach(func(_, col gjson.Result) bool {
		columns = append(columns, col.String())
		return true
	})
	return m.tupleRows(root, columns, 1)
}

// tupleRows projects array elements positionally onto columns, skipping
// the first `skip` rows. Field rules, when present, refine the column
// projection via a synthetic document.
func (m *Mapping) tupleRows(root gjson.Result, columns []string, skip int) ([]Row, error) {
	var rows []Row
	i := -1
	root.ForEach(func(_, tuple gjson.Result) bool {
		i++
		if i < skip {
			return true
		}
		if !tuple.IsArray() {
			return true
		}
		base := make(Row, len(columns))
		j := 0
		tuple.ForEach(func(_, cell gjson.Result) bool {
			if j < len(columns) {
				if v, ok := fromGjson(cell); ok {
					base[columns[j]] = v
				}
			}
			j++
			return true
		})
		if len(m.fields) == 0 {
			rows = append(rows, base)
			return true
		}
		doc := gjson.Parse(syntheticJSON(base))
		rows = append(rows, m.project(evalContext{doc: doc, index: i - skip}))
		return true
	})
	return rows, nil
}

// syntheticJSON renders a Row back into a JSON object so positional rows
// can be refined by path-based rules.
func syntheticJSON(row Row) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range row {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(fmt.Sprintf("%q:", k))
		switch v.Kind {
		case KindNumber, KindBool:
			b.WriteString(v.Str)
		default:
			b.WriteString(fmt.Sprintf("%q", v.Str))
		}
	}
	b.WriteByte('}')
	return b.String()
}

// evalRegex binds named groups to fields, numbered groups to configured
// columns, and applies the status mapping when configured. Unmapped status
// literals become "unknown".
func (m *Mapping) evalRegex(text string) ([]Row, error) {
	matches := m.pattern.FindAllStringSubmatch(strings.TrimSpace(text), -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("engine: response did not match pattern")
	}

	names := m.pattern.SubexpNames()
	var rows []Row
	for _, match := range matches {
		row := make(Row)
		for gi, captured := range match {
			if gi == 0 {
				continue
			}
			name := ""
			if gi < len(names) {
				name = names[gi]
			}
			if name == "" && gi-1 < len(m.spec.Columns) {
				name = m.spec.Columns[gi-1]
			}
			if name == "" {
				continue
			}
			row[name] = Value{Kind: KindString, Str: captured}
		}

		if m.spec.StatusMapping != nil {
			literal := row.Str("status")
			if literal == "" {
				literal = match[0]
			}
			canonical, ok := m.spec.StatusMapping[literal]
			if !ok {
				canonical = "unknown"
			}
			row["status"] = Value{Kind: KindString, Str: canonical}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
