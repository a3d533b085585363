package attachment

import (
	"regexp"
	"strings"
)

var (
	leadingGlyphs = regexp.MustCompile(`^[\s\-\x{2192}>»•]+`)
	knownExt      = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|pdf|docx|doc|xlsx|xls|zip|txt)$`)
)

// Normalize reduces a file name or a free-text reference to the form used for
// matching: leading arrows/bullets/dashes and surrounding quotes removed,
// lowercased, and one known document/image extension dropped.
//
//	Normalize(" → invoice.PDF ") == "invoice"
func Normalize(name string) string {
	s := strings.TrimSpace(name)
	if s == "" {
		return ""
	}
	s = leadingGlyphs.ReplaceAllString(s, "")
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return knownExt.ReplaceAllString(s, "")
}

// KeyFor derives the index key of an uploaded file name: the base name with
// its last extension removed, then normalized.
func KeyFor(filename string) string {
	return Normalize(stem(base(filename)))
}

func base(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// stem drops the last extension. Leading dots do not start an extension,
// so ".env" stays ".env".
func stem(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name
	}
	if strings.Trim(name[:i], ".") == "" {
		return name
	}
	return name[:i]
}
