// Package template substitutes {Column} placeholders with row values.
//
// Substitution is literal: there is no escaping, no nesting and no error for
// placeholders that name a missing column (they are left as-is).
package template

import (
	"strings"

	"enviador/internal/sheet"
)

// Render replaces every "{col}" in tmpl with the text of that column in row.
// Columns are visited in row order, so output is stable for a given row.
func Render(tmpl string, row sheet.Row) string {
	if tmpl == "" || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	out := tmpl
	for _, c := range row.Cells() {
		ph := "{" + c.Column + "}"
		if strings.Contains(out, ph) {
			out = strings.ReplaceAll(out, ph, sheet.Text(c.Value))
		}
	}
	return out
}

// RenderAll renders subject and body against the same row.
func RenderAll(subject, body string, row sheet.Row) (string, string) {
	return Render(subject, row), Render(body, row)
}

// Placeholders lists the distinct "{name}" tokens found in tmpl, in order of
// first appearance.
func Placeholders(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	for {
		i := strings.IndexByte(tmpl, '{')
		if i < 0 {
			return out
		}
		j := strings.IndexByte(tmpl[i+1:], '}')
		if j < 0 {
			return out
		}
		name := tmpl[i+1 : i+1+j]
		if name != "" && !strings.ContainsAny(name, "{") && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
		tmpl = tmpl[i+1+j+1:]
	}
}

// Missing returns placeholders in tmpl that have no matching column in row.
func Missing(tmpl string, row sheet.Row) []string {
	var out []string
	for _, p := range Placeholders(tmpl) {
		if _, ok := row.Get(p); !ok {
			out = append(out, p)
		}
	}
	return out
}
