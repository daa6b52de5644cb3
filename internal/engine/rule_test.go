package engine

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestParseRuleRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"  ",
		"price|",
		"|price",
		"price#bogus",
		"$atDepth:x",
		"$atDepth:-1",
		"$unknown",
	} {
		if _, err := ParseRule(raw); err == nil {
			t.Fatalf("expected parse error for %q", raw)
		}
	}
}

func TestNumberValuesKeepLiteralRepresentation(t *testing.T) {
	doc := gjson.Parse(`{"price": 0.1, "big": 19.99}`)

	rule, err := ParseRule("price")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, ok := rule.Eval(evalContext{doc: doc, index: -1})
	if !ok {
		t.Fatal("expected defined value")
	}
	if v.Kind != KindNumber || v.Str != "0.1" {
		t.Fatalf("got kind=%d str=%q", v.Kind, v.Str)
	}

	rule, _ = ParseRule("big")
	v, _ = rule.Eval(evalContext{doc: doc, index: -1})
	if v.Str != "19.99" {
		t.Fatalf("literal drift: %q", v.Str)
	}
}

func TestValueIntTruncates(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"12", 12, false},
		{"12.9", 12, false},
		{"-3.1", -3, false},
		{"0", 0, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := (Value{Kind: KindNumber, Str: tc.in}).Int()
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNullIsNotDefined(t *testing.T) {
	doc := gjson.Parse(`{"a": null}`)
	rule, _ := ParseRule("a")
	if _, ok := rule.Eval(evalContext{doc: doc, index: -1}); ok {
		t.Fatal("null must not count as defined")
	}
}

func TestDefaultAppliesOnlyWhenUndefined(t *testing.T) {
	doc := gjson.Parse(`{"present": 0}`)

	rule, _ := ParseRule("present#default:7")
	v, ok := rule.Eval(evalContext{doc: doc, index: -1})
	if !ok || v.Str != "0" {
		t.Fatalf("default overrode a defined zero: %+v ok=%v", v, ok)
	}

	rule, _ = ParseRule("absent#default:7")
	v, ok = rule.Eval(evalContext{doc: doc, index: -1})
	if !ok || v.Str != "7" || v.Kind != KindNumber {
		t.Fatalf("default did not apply: %+v ok=%v", v, ok)
	}
}

func TestFailedConversionIsUndefined(t *testing.T) {
	doc := gjson.Parse(`{"cost": "free"}`)
	rule, _ := ParseRule("cost#number")
	if _, ok := rule.Eval(evalContext{doc: doc, index: -1}); ok {
		t.Fatal("non-numeric string survived #number")
	}

	// A later default still recovers it.
	rule, _ = ParseRule("cost#number#default:0")
	v, ok := rule.Eval(evalContext{doc: doc, index: -1})
	if !ok || v.Str != "0" {
		t.Fatalf("default after failed conversion: %+v ok=%v", v, ok)
	}
}

func TestBooleanTransformTruthySet(t *testing.T) {
	doc := gjson.Parse(`{"a": "1", "b": "yes", "c": "nope", "d": true}`)
	for field, want := range map[string]string{"a": "true", "b": "true", "c": "false", "d": "true"} {
		rule, _ := ParseRule(field + "#boolean")
		v, ok := rule.Eval(evalContext{doc: doc, index: -1})
		if !ok {
			t.Fatalf("%s: undefined", field)
		}
		if v.Kind != KindBool || v.Str != want {
			t.Fatalf("%s: got %+v, want %s", field, v, want)
		}
	}
}

func TestNestedPathAndObjectRaw(t *testing.T) {
	doc := gjson.Parse(`{"data": {"sms": {"text": "code 1234"}}}`)

	rule, _ := ParseRule("data.sms.text")
	v, ok := rule.Eval(evalContext{doc: doc, index: -1})
	if !ok || v.Str != "code 1234" {
		t.Fatalf("nested path: %+v ok=%v", v, ok)
	}

	rule, _ = ParseRule("data.sms")
	v, ok = rule.Eval(evalContext{doc: doc, index: -1})
	if !ok || !gjson.Valid(v.Str) {
		t.Fatalf("object selector should yield raw JSON: %+v", v)
	}
}

func TestAncestorAccessorsOutOfRangeAreUndefined(t *testing.T) {
	ctx := evalContext{doc: gjson.Parse(`1`), keyPath: []string{"us"}, index: -1}

	rule, _ := ParseRule("$parentKey")
	if _, ok := rule.Eval(ctx); ok {
		t.Fatal("$parentKey with a single ancestor must be undefined")
	}

	rule, _ = ParseRule("$atDepth:3")
	if _, ok := rule.Eval(ctx); ok {
		t.Fatal("$atDepth past the key path must be undefined")
	}

	rule, _ = ParseRule("$key")
	v, ok := rule.Eval(ctx)
	if !ok || v.Str != "us" {
		t.Fatalf("$key: %+v ok=%v", v, ok)
	}
}
