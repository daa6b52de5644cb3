package provider

// Operation names one capability of the provider adapter. Every provider
// configures an endpoint and a response mapping per operation it supports.
type Operation string

const (
	OpGetCountries Operation = "getCountries"
	OpGetServices  Operation = "getServices"
	OpGetPrices    Operation = "getPrices"
	OpGetNumber    Operation = "getNumber"
	OpGetStatus    Operation = "getStatus"
	OpSetStatus    Operation = "setStatus"
	OpCancelNumber Operation = "cancelNumber"
	OpGetBalance   Operation = "getBalance"
	// OpParseWebhook has no endpoint; only its mapping applies, to inbound
	// webhook bodies.
	OpParseWebhook Operation = "parseWebhook"
)

// EndpointSpec is an HTTP endpoint template. Path, query values, header
// values and body may contain {slot} placeholders substituted from
// operation arguments, credentials and defaults.
type EndpointSpec struct {
	Method  string            `json:"method" yaml:"method"`
	Path    string            `json:"path" yaml:"path"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	// Defaults fill template slots absent from the call arguments.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// MappingType discriminates how a raw response is projected into rows.
type MappingType string

const (
	MapJSONArray           MappingType = "json_array"
	MapJSONObject          MappingType = "json_object"
	MapJSONDictionary      MappingType = "json_dictionary"
	MapJSONValue           MappingType = "json_value"
	MapJSONArrayPositional MappingType = "json_array_positional"
	MapJSONKeyedValue      MappingType = "json_keyed_value"
	MapJSONNestedArray     MappingType = "json_nested_array"
	MapTextRegex           MappingType = "text_regex"
)

// MappingSpec declares how one operation's response becomes normalized rows.
//
// Fields maps output field names to rules. A rule is a path (`a.b.c` or a
// `$.`-prefixed JSONPath), a fallback chain (`price|cost|amount`), a reserved
// accessor ($key, $parentKey, $grandParentKey, $atDepth:N, $value, $index),
// optionally followed by `#transform` segments (number, int, float, string,
// boolean, default:<literal>, ifEmpty:<literal>).
type MappingSpec struct {
	Type MappingType `json:"type" yaml:"type"`
	// Root selects the subtree the mapping walks; empty means the whole
	// document.
	Root   string            `json:"root,omitempty" yaml:"root,omitempty"`
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
	// Columns names tuple positions for json_array_positional.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	// Depth is the dictionary nesting depth at which leaf objects live.
	Depth int `json:"depth,omitempty" yaml:"depth,omitempty"`
	// KeyField/ValueField name the projected key and value for
	// json_keyed_value.
	KeyField   string `json:"keyField,omitempty" yaml:"keyField,omitempty"`
	ValueField string `json:"valueField,omitempty" yaml:"valueField,omitempty"`
	// Pattern is the regular expression for text_regex; named groups bind
	// to fields, numbered groups bind positionally via Columns.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// StatusMapping maps matched literals to canonical status values for
	// text_regex responses.
	StatusMapping map[string]string `json:"statusMapping,omitempty" yaml:"statusMapping,omitempty"`
	// ErrorPath points at an upstream error literal inside an otherwise
	// well-formed body.
	ErrorPath string `json:"errorPath,omitempty" yaml:"errorPath,omitempty"`
	// Messages is the sub-mapping projecting the inbox array of a
	// getStatus response.
	Messages *MappingSpec `json:"messages,omitempty" yaml:"messages,omitempty"`
}

// SupportsOperation reports whether the provider configures op.
func (p *Provider) SupportsOperation(op Operation) bool {
	if p.Endpoints == nil {
		return false
	}
	_, ok := p.Endpoints[op]
	return ok
}
