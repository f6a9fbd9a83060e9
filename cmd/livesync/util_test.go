package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseWhere(t *testing.T) {
	got, err := parseWhere([]string{"n,>=,3", "status,==,active", `tags,array-contains-any,["a","b"]`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got[0].Value != float64(3) || got[0].Operator != ">=" {
		t.Fatalf("numeric clause: %+v", got[0])
	}
	if got[1].Value != "active" {
		t.Fatalf("string fallback: %+v", got[1])
	}
	if vs, ok := got[2].Value.([]any); !ok || len(vs) != 2 {
		t.Fatalf("list clause: %+v", got[2])
	}
	if _, err := parseWhere([]string{"field-only"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseOrder(t *testing.T) {
	if parseOrder("") != nil {
		t.Fatalf("empty order should be nil")
	}
	o := parseOrder("createdAt, desc")
	if o.Field != "createdAt" || o.Direction != "desc" {
		t.Fatalf("unexpected order: %+v", o)
	}
}

func TestPrintAs(t *testing.T) {
	v := map[string]any{"id": "x", "restarts": 2}
	var b bytes.Buffer
	if err := printAs(&b, "yaml", v); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(b.String(), "restarts: 2") {
		t.Fatalf("unexpected yaml: %s", b.String())
	}
	b.Reset()
	if err := printAs(&b, "", v); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(b.String(), `"restarts": 2`) {
		t.Fatalf("unexpected json: %s", b.String())
	}
}

func TestRedactDSN(t *testing.T) {
	if got := redactDSN("postgres://u:secret@db:5432/x"); strings.Contains(got, "secret") {
		t.Fatalf("password leaked: %s", got)
	}
	if got := redactDSN("memory://"); got != "memory://" {
		t.Fatalf("unexpected: %s", got)
	}
}
