package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/router"
)

// Key derives the cache key of a request served by rule. The key covers
// the rule's content key, so a changed rule never reads entries written
// for its previous version, plus the method, the path and the request
// inputs listed in the rule's vary settings.
func Key(rule *router.Rule, req *request.Request) string {
	var b strings.Builder
	b.WriteString(rule.Key)
	b.WriteByte('\n')
	b.WriteString(req.Method)
	b.WriteByte('\n')
	b.WriteString(req.Path)

	if rule.Cache != nil {
		if part := queryPart(rule.Cache.VaryQuery, req.Query); part != "" {
			b.WriteString("\nq:")
			b.WriteString(part)
		}
		if part := headerPart(rule.Cache.VaryHeaders, req); part != "" {
			b.WriteString("\nh:")
			b.WriteString(part)
		}
	}

	return rule.ID + ":" + HashKey(b.String())
}

// queryPart expects names sorted; values keep their request order.
func queryPart(names []string, query url.Values) string {
	var parts []string
	for _, name := range names {
		for _, v := range query[name] {
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func headerPart(names []string, req *request.Request) string {
	if req.Header == nil {
		return ""
	}
	var parts []string
	for _, name := range names {
		for _, v := range req.Header.Values(name) {
			parts = append(parts, name+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// HashKey hashes a key to a fixed length.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
