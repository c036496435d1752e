package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

// ruleMethods lists the request methods a rule may constrain on.
var ruleMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {}, "PATCH": {},
	"DELETE": {}, "OPTIONS": {}, "TRACE": {}, "CONNECT": {},
}

// ValidateHeaderName reports whether name is a valid HTTP field name
// (an RFC 7230 token).
func ValidateHeaderName(name string) error {
	if name == "" {
		return fmt.Errorf("header name cannot be empty")
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header name: %q", name)
	}
	return nil
}

// ValidateHTTPMethod accepts the standard methods in any case.
func ValidateHTTPMethod(method string) error {
	if _, ok := ruleMethods[strings.ToUpper(method)]; !ok {
		return fmt.Errorf("invalid HTTP method: %s", method)
	}
	return nil
}

// ValidateHTTPStatusCode checks that code is a three digit HTTP status.
func ValidateHTTPStatusCode(code int) error {
	if code < 100 || code > 599 {
		return fmt.Errorf("HTTP status code must be between 100 and 599, got: %d", code)
	}
	return nil
}

var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(true),
	idna.CheckHyphens(true),
	idna.VerifyDNSLength(true),
)

// ValidateHostname validates a host constraint. Internationalized names
// are accepted and checked in their ASCII form. A single leading "*"
// label is accepted as a wildcard for any subdomain.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}

	name := hostname
	if rest, ok := strings.CutPrefix(hostname, "*."); ok {
		name = rest
	}
	if strings.Contains(name, "*") {
		return fmt.Errorf("wildcard must be the first label of a multi-label hostname: %s", hostname)
	}

	ascii, err := hostProfile.ToASCII(name)
	if err != nil {
		return fmt.Errorf("invalid hostname %q: %w", hostname, err)
	}
	if len(ascii) > 253 {
		return fmt.Errorf("hostname too long: %d characters (max 253)", len(ascii))
	}
	return nil
}

// ValidateListenAddress validates a host:port listen address. An empty
// host binds all interfaces and port 0 picks a free one.
func ValidateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got: %s", port)
	}
	return nil
}
