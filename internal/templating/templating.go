// Package templating substitutes {{NAME}} placeholders with environment
// variable values. It is used on raw config bytes before decoding and on
// the dynamic descriptor fields (table, schema, jdbc-url, username,
// password) before a load.
package templating

import (
	"os"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render replaces every {{NAME}} occurrence in s with os.Getenv("NAME").
// Unset variables render as the empty string.
func Render(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

// RenderAll renders each string into a new slice; ss is left unchanged.
func RenderAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Render(s)
	}
	return out
}
