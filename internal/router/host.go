package router

import (
	"net"
	"strings"

	"golang.org/x/text/cases"
)

// hostMatcher matches the Host of a request against a rule's host
// constraint. An empty constraint accepts any host; "*.example.com"
// accepts any subdomain of example.com but not example.com itself.
type hostMatcher struct {
	exact  string
	suffix string
}

func newHostMatcher(host string) hostMatcher {
	host = foldHost(host)
	if rest, ok := strings.CutPrefix(host, "*."); ok {
		return hostMatcher{suffix: "." + rest}
	}
	return hostMatcher{exact: host}
}

func (m hostMatcher) any() bool {
	return m.exact == "" && m.suffix == ""
}

// Match reports whether host satisfies the constraint. host may carry a
// port and is compared case-insensitively.
func (m hostMatcher) Match(host string) bool {
	if m.any() {
		return true
	}
	host = foldHost(stripPort(host))
	if m.suffix != "" {
		return len(host) > len(m.suffix) && strings.HasSuffix(host, m.suffix)
	}
	return host == m.exact
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// foldHost case-folds a host name and drops a trailing root dot.
// cases.Caser is stateful, so a fresh one is built for non-ASCII input.
func foldHost(host string) string {
	host = strings.TrimSuffix(host, ".")
	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			return cases.Fold().String(host)
		}
	}
	return strings.ToLower(host)
}
