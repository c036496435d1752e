package main

import (
	"os"
	"strings"
)

// Environment variables read as flag defaults.
const (
	envConfig    = "AVASERVE_CONFIG"
	envLogLevel  = "AVASERVE_LOG_LEVEL"
	envLogFormat = "AVASERVE_LOG_FORMAT"
)

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
