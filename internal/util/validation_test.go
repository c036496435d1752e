package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateHeaderName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "simple header", header: "Accept", wantErr: false},
		{name: "custom header", header: "X-Api-Key", wantErr: false},
		{name: "empty header", header: "", wantErr: true},
		{name: "header with space", header: "X Api", wantErr: true},
		{name: "header with colon", header: "X:Api", wantErr: true},
		{name: "non-ascii header", header: "X-Grüße", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateHeaderName(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHTTPMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		method  string
		wantErr bool
	}{
		{name: "GET", method: "GET", wantErr: false},
		{name: "lowercase post", method: "post", wantErr: false},
		{name: "OPTIONS", method: "OPTIONS", wantErr: false},
		{name: "unknown", method: "FETCH", wantErr: true},
		{name: "empty", method: "", wantErr: true},
		{name: "wildcard", method: "*", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateHTTPMethod(tt.method)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHTTPStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		code    int
		wantErr bool
	}{
		{name: "ok", code: 200, wantErr: false},
		{name: "redirect", code: 302, wantErr: false},
		{name: "lower bound", code: 100, wantErr: false},
		{name: "upper bound", code: 599, wantErr: false},
		{name: "too low", code: 99, wantErr: true},
		{name: "too high", code: 600, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateHTTPStatusCode(tt.code)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHostname(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		hostname string
		wantErr  bool
	}{
		{name: "simple", hostname: "example.com", wantErr: false},
		{name: "single label", hostname: "localhost", wantErr: false},
		{name: "wildcard subdomain", hostname: "*.example.com", wantErr: false},
		{name: "hyphenated", hostname: "my-app.example.com", wantErr: false},
		{name: "mixed case", hostname: "API.Example.com", wantErr: false},
		{name: "internationalized", hostname: "bücher.example.com", wantErr: false},
		{name: "empty", hostname: "", wantErr: true},
		{name: "bare wildcard", hostname: "*", wantErr: true},
		{name: "inner wildcard", hostname: "api.*.example.com", wantErr: true},
		{name: "empty label", hostname: "example..com", wantErr: true},
		{name: "leading hyphen", hostname: "-app.example.com", wantErr: true},
		{name: "underscore", hostname: "my_app.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateHostname(tt.hostname)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateListenAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "all interfaces", addr: ":8080", wantErr: false},
		{name: "loopback", addr: "127.0.0.1:9090", wantErr: false},
		{name: "ephemeral", addr: "localhost:0", wantErr: false},
		{name: "empty", addr: "", wantErr: true},
		{name: "missing port", addr: "localhost", wantErr: true},
		{name: "port out of range", addr: ":70000", wantErr: true},
		{name: "non-numeric port", addr: ":http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateListenAddress(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
