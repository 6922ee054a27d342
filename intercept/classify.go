// Package intercept decides, per request, whether to answer from the
// network, the response cache, the write queue or the offline fallback.
package intercept

import (
	"net/http"
	"path"
	"strings"

	"github.com/c0deZ3R0/go-offline-kit/offline"
)

// Class is the interception category of a request.
type Class string

const (
	ClassAuth        Class = "auth"
	ClassReadAPI     Class = "read_api"
	ClassWriteAPI    Class = "write_api"
	ClassStatic      Class = "static"
	ClassPassthrough Class = "passthrough"
)

// Strategy returns the cache strategy applied to the class.
func (c Class) Strategy() offline.CacheStrategy {
	switch c {
	case ClassReadAPI:
		return offline.StrategyStaleWhileRevalidate
	case ClassStatic:
		return offline.StrategyCacheFirst
	}
	return offline.StrategyNetworkOnly
}

// Cacheable reports whether responses of the class may be stored.
func (c Class) Cacheable() bool {
	return c == ClassReadAPI || c == ClassStatic
}

// Rule is one row of the decision table. Methods empty means any method.
type Rule struct {
	Name    string
	Class   Class
	Methods []string
	Match   func(p string) bool
}

func (r Rule) matches(method, p string) bool {
	if len(r.Methods) > 0 {
		found := false
		for _, m := range r.Methods {
			if m == method {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.Match(p)
}

// StaticExtensions are the file extensions treated as static assets.
var StaticExtensions = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".map": true, ".html": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".webmanifest": true,
}

func prefixOrExact(prefixes ...string) func(string) bool {
	return func(p string) bool {
		for _, pre := range prefixes {
			trimmed := strings.TrimSuffix(pre, "/")
			if p == trimmed || strings.HasPrefix(p, pre) {
				return true
			}
		}
		return false
	}
}

// DefaultRules is the decision table. Order matters: the first match wins
// and authentication rules come first so they can never be cached.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "auth-api", Class: ClassAuth, Match: prefixOrExact("/api/auth/", "/auth/")},
		{Name: "login", Class: ClassAuth, Match: func(p string) bool { return p == "/login" || p == "/logout" }},
		{Name: "session", Class: ClassAuth, Match: func(p string) bool { return strings.HasPrefix(p, "/session") }},
		{
			Name:    "read-api",
			Class:   ClassReadAPI,
			Methods: []string{http.MethodGet, http.MethodHead},
			Match:   prefixOrExact("/api/"),
		},
		{
			Name:    "write-api",
			Class:   ClassWriteAPI,
			Methods: []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			Match:   prefixOrExact("/api/"),
		},
		{
			Name:    "static",
			Class:   ClassStatic,
			Methods: []string{http.MethodGet, http.MethodHead},
			Match: func(p string) bool {
				if p == "/" || strings.HasPrefix(p, "/static/") || strings.HasPrefix(p, "/assets/") {
					return true
				}
				return StaticExtensions[strings.ToLower(path.Ext(p))]
			},
		},
	}
}

// Classifier applies a decision table.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier; no rules means DefaultRules.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the class of r and the name of the rule that matched.
func (c *Classifier) Classify(r *http.Request) (Class, string) {
	p := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/") && p != "/" {
		p += "/"
	}
	for _, rule := range c.rules {
		if rule.matches(r.Method, p) {
			return rule.Class, rule.Name
		}
	}
	return ClassPassthrough, "default"
}
