package synth

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// annotationPattern matches bracketed annotations such as "[thinking] ".
var annotationPattern = regexp.MustCompile(`\[.*?\]\s*`)

// StripAnnotations removes bracketed annotation segments from text.
func StripAnnotations(text string) string {
	return strings.TrimSpace(annotationPattern.ReplaceAllString(text, ""))
}

// Similarity scores two strings on a 0 to 100 scale, where 100 means
// identical. Either side being empty scores 0.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}
	longest := la
	if lb > longest {
		longest = lb
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(dist)/float64(longest))
}
