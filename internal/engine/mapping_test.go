package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/numhive/platform/internal/domain/provider"
)

func mustCompile(t *testing.T, spec provider.MappingSpec) *Mapping {
	t.Helper()
	m, err := CompileMapping(spec)
	require.NoError(t, err, "compile mapping")
	return m
}

func TestDictionaryMappingBindsAncestorKeys(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type: provider.MapJSONDictionary,
		Fields: map[string]string{
			"country": "$parentKey",
			"service": "$key",
			"cost":    "price",
			"count":   "count",
		},
	})

	body := []byte(`{"us": {"tg": {"price": 1.5, "count": 10}, "wa": {"price": 2.0, "count": 5}}}`)
	rows, err := m.Eval(body)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	want := []struct{ country, service, cost, count string }{
		{"us", "tg", "1.5", "10"},
		{"us", "wa", "2.0", "5"},
	}
	for i, w := range want {
		row := rows[i]
		require.Equal(t, w.country, row.Str("country"), "row %d country", i)
		require.Equal(t, w.service, row.Str("service"), "row %d service", i)
		require.Equal(t, w.cost, row.Str("cost"), "row %d cost", i)
		require.Equal(t, w.count, row.Str("count"), "row %d count", i)
	}
}

func TestDictionaryDepthAccessorsInOrder(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type:  provider.MapJSONDictionary,
		Depth: 3,
		Fields: map[string]string{
			"d0":   "$atDepth:0",
			"d1":   "$atDepth:1",
			"d2":   "$atDepth:2",
			"cost": "$value",
		},
	})

	rows, err := m.Eval([]byte(`{"ru": {"mts": {"tg": 12.5}}}`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Equal(t, "ru", row.Str("d0"))
	require.Equal(t, "mts", row.Str("d1"))
	require.Equal(t, "tg", row.Str("d2"))
	require.Equal(t, "12.5", row.Str("cost"))
}

func TestFallbackChainSelectsFirstDefined(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type: provider.MapJSONObject,
		Fields: map[string]string{
			"cost": "price|cost|amount",
		},
	})

	cases := []struct {
		body string
		want string
	}{
		{`{"price": 3, "cost": 9, "amount": 27}`, "3"},
		{`{"cost": 9, "amount": 27}`, "9"},
		{`{"price": null, "amount": 27}`, "27"},
	}
	for _, tc := range cases {
		rows, err := m.Eval([]byte(tc.body))
		require.NoError(t, err, "eval %s", tc.body)
		require.Equal(t, tc.want, rows[0].Str("cost"), "body %s", tc.body)
	}
}

func TestRegexStatusMappingFallsBackToUnknown(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type:    provider.MapTextRegex,
		Pattern: `^(?P<status>STATUS_[A-Z_]+)(?::(?P<code>\d+))?$`,
		StatusMapping: map[string]string{
			"STATUS_WAIT_CODE": "pending",
			"STATUS_OK":        "received",
			"STATUS_CANCEL":    "cancelled",
		},
	})

	cases := []struct {
		body       string
		wantStatus string
		wantCode   string
	}{
		{"STATUS_WAIT_CODE", "pending", ""},
		{"STATUS_OK:842193", "received", "842193"},
		{"STATUS_CANCEL", "cancelled", ""},
		{"STATUS_SOMETHING_ELSE", "unknown", ""},
	}
	for _, tc := range cases {
		rows, err := m.Eval([]byte(tc.body))
		require.NoError(t, err, "eval %q", tc.body)
		require.Equal(t, tc.wantStatus, rows[0].Str("status"), "%q status", tc.body)
		require.Equal(t, tc.wantCode, rows[0].Str("code"), "%q code", tc.body)
	}
}

func TestArrayMappingProjectsElements(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type: provider.MapJSONArray,
		Root: "countries",
		Fields: map[string]string{
			"code": "iso|id",
			"name": "title",
			"idx":  "$index",
		},
	})

	body := []byte(`{"countries": [{"iso": "us", "title": "United States"}, {"id": "gb", "title": "United Kingdom"}]}`)
	rows, err := m.Eval(body)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "us", rows[0].Str("code"))
	require.Equal(t, "gb", rows[1].Str("code"))
	require.Equal(t, "0", rows[0].Str("idx"))
	require.Equal(t, "1", rows[1].Str("idx"))
}

func TestPositionalMapping(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type:    provider.MapJSONArrayPositional,
		Columns: []string{"service", "cost", "count"},
	})

	rows, err := m.Eval([]byte(`[["tg", 1.5, 10], ["wa", 2.25, 4]]`))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "wa", rows[1].Str("service"))
	require.Equal(t, "2.25", rows[1].Str("cost"))
	require.Equal(t, "4", rows[1].Str("count"))
}

func TestNestedArrayUsesHeaderRow(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type: provider.MapJSONNestedArray,
	})

	rows, err := m.Eval([]byte(`[["service", "cost"], ["tg", 1.5], ["wa", 2.0]]`))
	require.NoError(t, err)
	require.Len(t, rows, 2, "header row must not become data")
	require.Equal(t, "tg", rows[0].Str("service"))
	require.Equal(t, "1.5", rows[0].Str("cost"))
}

func TestKeyedValueMapping(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type:       provider.MapJSONKeyedValue,
		KeyField:   "service",
		ValueField: "cost",
	})

	rows, err := m.Eval([]byte(`{"tg": 1.5, "wa": 2.0}`))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "tg", rows[0].Str("service"))
	require.Equal(t, "1.5", rows[0].Str("cost"))
}

func TestJSONValueMapping(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type: provider.MapJSONValue,
		Root: "balance",
	})

	rows, err := m.Eval([]byte(`{"balance": 123.456789}`))
	require.NoError(t, err)
	require.Equal(t, "123.456789", rows[0].Str("value"))
}

func TestErrorPathSurfacesUpstreamLiteral(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type:      provider.MapJSONObject,
		ErrorPath: "error",
		Fields:    map[string]string{"status": "status"},
	})

	_, err := m.Eval([]byte(`{"error": "NO_NUMBERS"}`))
	require.Error(t, err)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, "NO_NUMBERS", upstream.Literal)
}

func TestTransforms(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type: provider.MapJSONObject,
		Fields: map[string]string{
			"count":    "count#int",
			"cost":     "cost#number",
			"operator": "operator#ifEmpty:default",
			"active":   "missing#default:true",
			"name":     "name#string",
		},
	})

	rows, err := m.Eval([]byte(`{"count": "12", "cost": "1.50", "operator": "", "name": 42}`))
	require.NoError(t, err)
	row := rows[0]
	require.Equal(t, "12", row.Str("count"))
	require.Equal(t, "1.50", row.Str("cost"))
	require.Equal(t, "default", row.Str("operator"))

	v, ok := row.Get("active")
	require.True(t, ok, "default transform must define the field")
	require.Equal(t, KindBool, v.Kind)
	require.Equal(t, "true", v.Str)

	name := row["name"]
	require.Equal(t, KindString, name.Kind)
	require.Equal(t, "42", name.Str)
}

func TestJSONPathSelector(t *testing.T) {
	m := mustCompile(t, provider.MappingSpec{
		Type: provider.MapJSONObject,
		Fields: map[string]string{
			"number": "$.data.phone",
		},
	})

	rows, err := m.Eval([]byte(`{"data": {"phone": "15551234567"}}`))
	require.NoError(t, err)
	require.Equal(t, "15551234567", rows[0].Str("number"))
}
