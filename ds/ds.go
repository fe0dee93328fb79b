// Copyright 2022-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brutella/dnssd"
	"golang.org/x/exp/slices"
)

var v = func(string, ...interface{}) {}

// Query is a simple form dns-sd query.
type Query struct {
	Type   string
	Domain string
	// Instance, if set, must match the service instance name.
	Instance string
	// Text holds required TXT values: for each key, the record must
	// carry one of the listed values.
	Text map[string][]string
}

const (
	// Scheme is the URI scheme of a dns-sd robot address.
	Scheme = "dnssd"
	// DsDefault finds any robot running sshd on the local domain.
	DsDefault = Scheme + ":"
	// DefaultType is the service type browsed when the URI names none.
	DefaultType = "_ssh._tcp"
	// DefaultTimeout bounds a Lookup whose context has no deadline.
	DefaultTimeout = 1 * time.Second
	timeFormat     = "15:04:05.000"
)

// Verbose sets the debug print function.
func Verbose(f func(string, ...interface{})) {
	v = f
}

// IsURI reports whether s is a dns-sd URI rather than a host name.
func IsURI(s string) bool {
	return strings.HasPrefix(s, Scheme+":")
}

// check that dns-sd response has all required attributes
func required(src map[string]string, req map[string][]string) bool {
	for k := range req {
		if !slices.Contains(req[k], src[k]) {
			return false
		}
	}
	return true
}

// Parse parses a DNS-SD URI:
//
//	dnssd://domain/_service._network/instance?reqkey=reqvalue
//
// The domain defaults to local, the service to _ssh._tcp, and the
// instance to any. The leading slashes may be left out, as in
// dnssd:_ssh._tcp. Parts can be omitted, e.g. dnssd:?robot=cps1 picks any
// sshd advertising robot=cps1.
func Parse(uri string) (Query, error) {
	result := Query{
		Type:   DefaultType,
		Domain: "local",
	}

	u, err := url.Parse(uri)
	if err != nil {
		return result, fmt.Errorf("trouble parsing url %s: %w", uri, err)
	}

	if u.Scheme != Scheme {
		return result, fmt.Errorf("%q is not a dns-sd URI", uri)
	}

	// following dns-sd URI conventions from CUPS
	if u.Host != "" {
		result.Domain = u.Host
	}
	// dnssd:_ssh._tcp/cps1 has no slash after the scheme and parses opaque.
	rest := u.Path
	if len(rest) == 0 {
		rest = u.Opaque
	}
	p := strings.Split(strings.Trim(rest, "/"), "/")
	if len(p[0]) != 0 {
		result.Type = p[0]
	}
	if len(p) > 1 {
		result.Instance = strings.Join(p[1:], "/")
	}

	result.Text = u.Query()
	return result, nil
}

// Lookup browses for query and returns the host and port of the first
// match. Without a deadline on ctx it gives up after DefaultTimeout.
func Lookup(ctx context.Context, query Query) (string, string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	service := fmt.Sprintf("%s.%s.", strings.Trim(query.Type, "."), strings.Trim(query.Domain, "."))

	v("ds:browsing for %s", service)

	respCh := make(chan dnssd.BrowseEntry, 1)

	addFn := func(e dnssd.BrowseEntry) {
		v("%s	Add	%s	%s	%s	%s (%s)", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name, e.IPs)
		if len(query.Instance) != 0 && e.Name != query.Instance {
			return
		}
		if len(e.IPs) == 0 || !required(e.Text, query.Text) {
			return
		}
		select {
		case respCh <- e:
			cancel()
		default:
		}
	}

	rmvFn := func(e dnssd.BrowseEntry) {
		v("%s	Rmv	%s	%s	%s	%s", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name)
	}

	err := dnssd.LookupType(ctx, service, addFn, rmvFn)

	select {
	case e := <-respCh:
		if len(e.IPs) > 1 {
			v("ds:WARNING: there was more than one option for address, using %v", e.IPs[0])
		}
		return e.IPs[0].String(), strconv.Itoa(e.Port), nil
	default:
	}
	if err != nil && ctx.Err() == nil {
		return "", "", fmt.Errorf("dnssd lookup %s: %w", service, err)
	}
	return "", "", fmt.Errorf("dnssd found no suitable %s service", service)
}

// Resolve returns host and port for addr. A plain host name comes back
// unchanged with an empty port; a dns-sd URI is looked up.
func Resolve(ctx context.Context, addr string) (string, string, error) {
	if !IsURI(addr) {
		return addr, "", nil
	}
	q, err := Parse(addr)
	if err != nil {
		return "", "", err
	}
	return Lookup(ctx, q)
}
