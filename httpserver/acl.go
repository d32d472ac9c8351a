// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package httpserver

import (
	"fmt"
	"net"
)

// accessList decides whether a peer address may contact the server.  It is an
// ordered set of subnets matched against the peer's IP; the first matching
// entry wins and unmatched addresses are denied.  Both loopback networks are
// always present so local clients can never lock themselves out.
//
// The set is built once during server initialization and is read-only for the
// rest of the server's lifetime, so lookups require no locking.
type accessList struct {
	subnets []*net.IPNet
}

// newAccessList constructs an access list from the given allow specifications.
// Each specification must be a plain IP address or a well-formed CIDR subnet.
// A malformed specification results in an error so the failure surfaces to the
// user during startup rather than silently dropping a rule.
func newAccessList(allowIPs []string) (*accessList, error) {
	acl := &accessList{
		subnets: []*net.IPNet{
			// IPv4 loopback.
			{
				IP:   net.IPv4(127, 0, 0, 0).To4(),
				Mask: net.CIDRMask(8, 32),
			},
			// IPv6 loopback.
			{
				IP:   net.IPv6loopback,
				Mask: net.CIDRMask(128, 128),
			},
		},
	}

	for _, spec := range allowIPs {
		subnet, err := parseSubnet(spec)
		if err != nil {
			return nil, err
		}
		acl.subnets = append(acl.subnets, subnet)
	}

	return acl, nil
}

// parseSubnet converts an allow specification into a subnet.  A specification
// without a slash is treated as a single host address.
func parseSubnet(spec string) (*net.IPNet, error) {
	if _, subnet, err := net.ParseCIDR(spec); err == nil {
		return subnet, nil
	}

	ip := net.ParseIP(spec)
	if ip == nil {
		return nil, fmt.Errorf("invalid -rpcallowip subnet "+
			"specification %q", spec)
	}

	bits := 128
	if ip.To4() != nil {
		ip = ip.To4()
		bits = 32
	}
	return &net.IPNet{
		IP:   ip,
		Mask: net.CIDRMask(bits, bits),
	}, nil
}

// isAllowed returns whether the given peer IP matches any entry of the access
// list.
func (a *accessList) isAllowed(ip net.IP) bool {
	for _, subnet := range a.subnets {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}
