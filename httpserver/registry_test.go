// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package httpserver

import "testing"

// TestRegistryMatching ensures exact and prefix registrations match the
// documented way and that the path suffix is derived from the matched prefix.
func TestRegistryMatching(t *testing.T) {
	registry := &handlerRegistry{}
	noop := func(*Request, string) {}
	registry.register("/rpc", true, noop)
	registry.register("/rest/", false, noop)

	tests := []struct {
		uri     string
		matched bool
		suffix  string
	}{
		{"/rpc", true, ""},
		{"/rpc/extra", false, ""},
		{"/rest/", true, ""},
		{"/rest/tx/abc", true, "tx/abc"},
		{"/rest", false, ""},
		{"/other", false, ""},
	}
	for _, test := range tests {
		handler, suffix, ok := registry.lookup(test.uri)
		if ok != test.matched {
			t.Errorf("lookup(%s) matched = %v, want %v", test.uri,
				ok, test.matched)
			continue
		}
		if !ok {
			continue
		}
		if handler == nil {
			t.Errorf("lookup(%s) returned nil handler", test.uri)
		}
		if suffix != test.suffix {
			t.Errorf("lookup(%s) suffix = %q, want %q", test.uri,
				suffix, test.suffix)
		}
	}
}

// TestRegistryFirstHitWins ensures a URI matching multiple registrations
// routes to the one registered first.
func TestRegistryFirstHitWins(t *testing.T) {
	registry := &handlerRegistry{}
	var hit string
	registry.register("/a/", false, func(*Request, string) { hit = "first" })
	registry.register("/a/", false, func(*Request, string) { hit = "second" })

	handler, _, ok := registry.lookup("/a/b")
	if !ok {
		t.Fatal("expected a match for /a/b")
	}
	handler(nil, "")
	if hit != "first" {
		t.Fatalf("routed to %q handler, want first", hit)
	}
}

// TestRegistryUnregister ensures removing a registration restores the
// registry's prior lookup behavior and that removing an absent registration
// is a silent no-op.
func TestRegistryUnregister(t *testing.T) {
	registry := &handlerRegistry{}
	var hit string
	registry.register("/a/", false, func(*Request, string) { hit = "first" })
	registry.register("/a/", false, func(*Request, string) { hit = "second" })

	registry.unregister("/a/", false)
	handler, _, ok := registry.lookup("/a/b")
	if !ok {
		t.Fatal("expected a match for /a/b")
	}
	handler(nil, "")
	if hit != "second" {
		t.Fatalf("routed to %q handler, want second", hit)
	}

	// Exact flag must match for removal.
	registry.unregister("/a/", true)
	if _, _, ok := registry.lookup("/a/b"); !ok {
		t.Fatal("exact-flag mismatch must not remove the registration")
	}

	registry.unregister("/a/", false)
	if _, _, ok := registry.lookup("/a/b"); ok {
		t.Fatal("expected no match after final unregister")
	}

	// Removing from an empty registry is a no-op.
	registry.unregister("/a/", false)
}
