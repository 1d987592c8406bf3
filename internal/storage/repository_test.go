package storage

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSyntheticKey_IgnoresFieldOrderAndWhitespace(t *testing.T) {
	a, err := SyntheticKey(json.RawMessage(`{"title":"Rodent Research 1","status":"public","n":1.50}`))
	if err != nil {
		t.Fatalf("SyntheticKey: %v", err)
	}
	b, err := SyntheticKey(json.RawMessage("{ \"n\": 1.50,\n \"status\": \"public\", \"title\": \"Rodent Research 1\" }"))
	if err != nil {
		t.Fatalf("SyntheticKey: %v", err)
	}
	if a != b {
		t.Errorf("keys differ: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "syn:") || len(a) != len("syn:")+32 {
		t.Errorf("unexpected key shape %q", a)
	}
}

func TestSyntheticKey_ChangesWithContent(t *testing.T) {
	a, _ := SyntheticKey(json.RawMessage(`{"title":"A","status":"public"}`))
	b, _ := SyntheticKey(json.RawMessage(`{"title":"A","status":"draft"}`))
	if a == b {
		t.Error("expected different keys for different content")
	}
}

func TestSyntheticKey_KeepsNumberPrecision(t *testing.T) {
	a, _ := SyntheticKey(json.RawMessage(`{"v":1.0}`))
	b, _ := SyntheticKey(json.RawMessage(`{"v":1}`))
	if a == b {
		t.Error("1.0 and 1 must hash differently when numbers are kept verbatim")
	}
}

func TestSyntheticKey_InvalidJSON(t *testing.T) {
	if _, err := SyntheticKey(json.RawMessage(`{"title":`)); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestResolveKey_PrefersNaturalKey(t *testing.T) {
	key := "OSD-379"
	got, err := CatalogUpsert{NaturalKey: &key, Raw: json.RawMessage(`{}`)}.ResolveKey()
	if err != nil || got != "OSD-379" {
		t.Fatalf("ResolveKey = %q, %v", got, err)
	}

	empty := ""
	got, err = CatalogUpsert{NaturalKey: &empty, Raw: json.RawMessage(`{"a":1}`)}.ResolveKey()
	if err != nil || !strings.HasPrefix(got, "syn:") {
		t.Fatalf("empty natural key should fall back to synthetic, got %q, %v", got, err)
	}
}
