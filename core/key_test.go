package core

import (
	"net/http/httptest"
	"testing"
)

func TestKeyIncludesMethodAndPath(t *testing.T) {
	k := Keyer{}
	r := httptest.NewRequest("GET", "/routes/1", nil)
	if key := k.Key(r); key != "GET:/routes/1" {
		t.Fatalf("key is %q", key)
	}
}

func TestKeyIgnoresHeaders(t *testing.T) {
	k := Keyer{}
	a := httptest.NewRequest("GET", "/routes/1", nil)
	a.Header.Set("Accept", "text/html")
	b := httptest.NewRequest("GET", "/routes/1", nil)
	b.Header.Set("Accept", "application/json")
	b.Header.Set("Accept-Language", "fi")
	if k.Key(a) != k.Key(b) {
		t.Fatalf("keys differ: %q vs %q", k.Key(a), k.Key(b))
	}
}

func TestKeyDropsFragment(t *testing.T) {
	k := Keyer{}
	r := httptest.NewRequest("GET", "/routes/1#map", nil)
	if key := k.Key(r); key != "GET:/routes/1" {
		t.Fatalf("key is %q", key)
	}
}

func TestKeyQueryString(t *testing.T) {
	with := Keyer{}
	without := Keyer{IgnoreQuery: true}
	r := httptest.NewRequest("GET", "/routes?page=2", nil)
	if key := with.Key(r); key != "GET:/routes?page=2" {
		t.Fatalf("key is %q", key)
	}
	if key := without.Key(r); key != "GET:/routes" {
		t.Fatalf("query-insensitive key is %q", key)
	}
}

func TestEmptyPathIsRoot(t *testing.T) {
	k := Keyer{}
	r := httptest.NewRequest("GET", "http://example.com", nil)
	if key := k.Key(r); key != "GET:/" {
		t.Fatalf("key is %q", key)
	}
}
