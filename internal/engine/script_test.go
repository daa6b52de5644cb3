package engine

import (
	"context"
	"strings"
	"testing"
)

const legacyScript = `
function getCountries() {
	return [
		{code: "us", name: "United States"},
		{code: "gb", name: "United Kingdom"}
	];
}

function getServices(country) {
	if (country === "us") {
		return [{code: "tg", name: "Telegram"}];
	}
	return [];
}
`

func TestScriptAdapterCountries(t *testing.T) {
	s, err := NewScriptAdapter(legacyScript, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	rows, err := s.Countries(context.Background())
	if err != nil {
		t.Fatalf("countries: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: %d", len(rows))
	}
	if rows[0].Str("code") != "us" || rows[1].Str("code") != "gb" {
		t.Fatalf("codes: %s/%s", rows[0].Str("code"), rows[1].Str("code"))
	}
}

func TestScriptAdapterServicesArg(t *testing.T) {
	s, err := NewScriptAdapter(legacyScript, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	rows, err := s.Services(context.Background(), "us")
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(rows) != 1 || rows[0].Str("name") != "Telegram" {
		t.Fatalf("rows: %+v", rows)
	}

	rows, err = s.Services(context.Background(), "fr")
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no services, got %d", len(rows))
	}
}

func TestScriptAdapterRejectsBrokenSource(t *testing.T) {
	if _, err := NewScriptAdapter("function (", nil); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := NewScriptAdapter(strings.Repeat("//x\n", 100_000), nil); err == nil {
		t.Fatal("expected size limit error")
	}

	s, err := NewScriptAdapter("var x = 1;", nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := s.Countries(context.Background()); err == nil {
		t.Fatal("expected missing entry point error")
	}
}
