// Package render merges email templates with caller supplied variables.
//
// Rendering is pure: no I/O, no clock, and the same inputs always yield the
// same output.
package render

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// placeholderPattern matches a {{key}} token. Braces are excluded from the key
// so that nested tokens resolve innermost first.
var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Render returns the subject and HTML body of t with every {{key}} replaced by
// vars[key]. Keys are case sensitive; surrounding whitespace inside the braces
// is ignored. Unknown keys render as the empty string. A non-empty footer is
// rendered with the same variables and appended to the body.
func Render(t models.Template, vars map[string]string) (subject, htmlBody string) {
	subject = String(t.Subject, vars)
	htmlBody = String(t.Body, vars)
	if t.Footer != "" {
		htmlBody += String(t.Footer, vars)
	}
	return subject, htmlBody
}

// String substitutes vars into a single pattern and guarantees that no
// {{...}} token survives in the result.
func String(pattern string, vars map[string]string) string {
	if !strings.Contains(pattern, "{{") {
		return pattern
	}
	out := placeholderPattern.ReplaceAllStringFunc(pattern, func(tok string) string {
		key := strings.TrimSpace(tok[2 : len(tok)-2])
		return vars[key]
	})
	return scrub(out)
}

// scrub removes leftover tokens, such as ones formed by nested braces or
// carried in through variable values. Each pass shortens the string so the
// loop terminates.
func scrub(s string) string {
	for placeholderPattern.MatchString(s) {
		s = placeholderPattern.ReplaceAllString(s, "")
	}
	return s
}

// Placeholders returns the distinct keys referenced by pattern in first-seen
// order.
func Placeholders(pattern string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(pattern, -1)
	seen := make(map[string]bool, len(matches))
	var keys []string
	for _, m := range matches {
		key := strings.TrimSpace(m[1])
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

// Undeclared returns keys used by the template that are missing from its
// declared placeholder set. A template with no declarations is not checked.
func Undeclared(t models.Template) []string {
	if len(t.Placeholders) == 0 {
		return nil
	}
	declared := make(map[string]bool, len(t.Placeholders))
	for _, p := range t.Placeholders {
		declared[p] = true
	}
	var missing []string
	for _, key := range Placeholders(t.Subject + "\n" + t.Body + "\n" + t.Footer) {
		if !declared[key] {
			missing = append(missing, key)
		}
	}
	return missing
}
