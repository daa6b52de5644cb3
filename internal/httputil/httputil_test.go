package httputil

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestReadAllWithLimit(t *testing.T) {
	body, truncated, err := ReadAllWithLimit(strings.NewReader("hello"), 10)
	if err != nil || truncated || string(body) != "hello" {
		t.Fatalf("short body: %q truncated=%v err=%v", body, truncated, err)
	}

	body, truncated, err = ReadAllWithLimit(strings.NewReader("hello world"), 5)
	if err != nil || !truncated || string(body) != "hello" {
		t.Fatalf("long body: %q truncated=%v err=%v", body, truncated, err)
	}
}

func TestReadAllStrict(t *testing.T) {
	if _, err := ReadAllStrict(strings.NewReader("abcdef"), 3); err == nil {
		t.Fatal("expected over-limit error")
	}
	body, err := ReadAllStrict(strings.NewReader("abc"), 3)
	if err != nil || string(body) != "abc" {
		t.Fatalf("exact fit: %q err=%v", body, err)
	}
}

func TestDecodeJSON(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(`{"name":"kilo"}`)),
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(resp, &out, 1<<20); err != nil || out.Name != "kilo" {
		t.Fatalf("decode: %+v err=%v", out, err)
	}

	resp = &http.Response{
		StatusCode: 503,
		Body:       io.NopCloser(strings.NewReader("upstream down")),
	}
	err := DecodeJSON(resp, &out, 1<<20)
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("error surface: %v", err)
	}
}
