package prompts

import (
	"regexp"
	"strings"
)

// Placeholder is one {{VAR:name|key=value}} occurrence in a template
type Placeholder struct {
	Raw     string
	Name    string
	Options map[string]string // default, upper
}

var (
	// {{VAR:name|key=value|key2="quoted value"}}: group 1 is the name, group 2 the options.
	varPattern = regexp.MustCompile(`\{\{VAR:([a-zA-Z0-9_\-]+)((?:\|[^}]+)?)}}`)
	optPattern = regexp.MustCompile(`\|([^=|]+)=([^|]+)`)
)

// ParsePlaceholders returns all placeholder occurrences in order of appearance.
func ParsePlaceholders(body string) []Placeholder {
	matches := varPattern.FindAllStringSubmatch(body, -1)
	out := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		opts := map[string]string{}
		for _, seg := range optPattern.FindAllStringSubmatch(m[2], -1) {
			val := strings.TrimSpace(seg[2])
			if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
				val = val[1 : len(val)-1]
			}
			opts[strings.ToLower(strings.TrimSpace(seg[1]))] = strings.ReplaceAll(val, `\n`, "\n")
		}
		out = append(out, Placeholder{Raw: m[0], Name: m[1], Options: opts})
	}
	return out
}

// Render substitutes every placeholder in body. A missing or empty variable
// uses the placeholder's default option, or the empty string.
func Render(body string, vars map[string]string) string {
	for _, ph := range ParsePlaceholders(body) {
		val := strings.TrimSpace(vars[ph.Name])
		if val == "" {
			val = ph.Options["default"]
		}
		if ph.Options["upper"] == "true" {
			val = strings.ToUpper(val)
		}
		body = strings.Replace(body, ph.Raw, val, 1)
	}
	return body
}
