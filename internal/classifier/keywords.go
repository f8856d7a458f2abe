package classifier

import "github.com/prmindmap/internal/cache"

// domainKeywords is checked in order; the domain with the most keyword hits wins
var domainKeywords = []struct {
	domain   string
	keywords []string
}{
	{"Authentication", []string{"auth", "login", "logout", "token", "session", "oauth", "jwt", "password", "credential", "sso"}},
	{"Authorization", []string{"permission", "role", "rbac", "acl", "policy", "access"}},
	{"Billing", []string{"payment", "invoice", "billing", "subscription", "plan", "checkout", "price", "refund"}},
	{"Data Storage", []string{"database", "db", "sql", "migration", "schema", "query", "postgres", "repository", "store"}},
	{"API", []string{"api", "endpoint", "handler", "route", "http", "rest", "grpc", "request", "response"}},
	{"User Interface", []string{"ui", "component", "view", "page", "button", "css", "layout", "render", "frontend"}},
	{"Notifications", []string{"email", "notification", "notify", "webhook", "slack", "message", "alert"}},
	{"Configuration", []string{"config", "configuration", "setting", "env", "flag", "option"}},
	{"Testing", []string{"test", "tests", "mock", "fixture", "assert", "spec"}},
	{"Developer Tooling", []string{"build", "ci", "lint", "makefile", "dockerfile", "script", "tooling", "deps", "dependency"}},
	{"Observability", []string{"log", "logging", "metric", "metrics", "trace", "tracing", "monitor"}},
	{"Performance", []string{"cache", "performance", "latency", "optimize", "concurrency", "batch", "pool"}},
	{"Security", []string{"security", "encrypt", "decrypt", "secret", "vulnerability", "sanitize", "csrf", "xss"}},
}

// keywordDomain classifies text with the keyword table alone
func keywordDomain(text string) DomainResult {
	tokens := cache.Tokenize(text)

	best, bestHits := DefaultDomain, 0
	for _, entry := range domainKeywords {
		hits := 0
		for _, kw := range entry.keywords {
			if _, ok := tokens[kw]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = entry.domain, hits
		}
	}

	confidence := 0.3
	if bestHits >= 3 {
		confidence = 0.6
	} else if bestHits == 0 {
		confidence = 0.1
	}
	return DomainResult{Domain: best, Confidence: confidence, Fallback: true}
}
