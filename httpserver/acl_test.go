// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package httpserver

import (
	"net"
	"testing"
)

// TestAccessListLoopback ensures both loopback networks are accepted without
// any configured subnets while other addresses are denied.
func TestAccessListLoopback(t *testing.T) {
	acl, err := newAccessList(nil)
	if err != nil {
		t.Fatalf("unable to build access list: %v", err)
	}

	tests := []struct {
		addr    string
		allowed bool
	}{
		{"127.0.0.1", true},
		{"127.255.0.3", true},
		{"::1", true},
		{"10.0.0.5", false},
		{"192.168.1.20", false},
		{"2001:db8::1", false},
	}
	for _, test := range tests {
		got := acl.isAllowed(net.ParseIP(test.addr))
		if got != test.allowed {
			t.Errorf("isAllowed(%s) = %v, want %v", test.addr, got,
				test.allowed)
		}
	}
}

// TestAccessListSubnets ensures configured subnets are matched for both plain
// addresses and CIDR expressions.
func TestAccessListSubnets(t *testing.T) {
	acl, err := newAccessList([]string{"10.1.0.0/16", "192.168.1.7", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("unable to build access list: %v", err)
	}

	tests := []struct {
		addr    string
		allowed bool
	}{
		{"10.1.200.4", true},
		{"10.2.0.1", false},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"2001:db8:1234::9", true},
		{"2002::1", false},
	}
	for _, test := range tests {
		got := acl.isAllowed(net.ParseIP(test.addr))
		if got != test.allowed {
			t.Errorf("isAllowed(%s) = %v, want %v", test.addr, got,
				test.allowed)
		}
	}
}

// TestAccessListInvalidSpec ensures malformed allow specifications fail
// initialization so they surface to the user.
func TestAccessListInvalidSpec(t *testing.T) {
	invalid := []string{"not-an-ip", "10.0.0.0/33", "256.1.2.3", ""}
	for _, spec := range invalid {
		if _, err := newAccessList([]string{spec}); err == nil {
			t.Errorf("expected error for subnet spec %q", spec)
		}
	}
}
