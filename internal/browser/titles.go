// internal/browser/titles.go
package browser

import (
	"strings"
)

var (
	titlePrefixes = []string{"SAP Help Portal:", "SAP:", "Login |", "Purpose |"}
	titleSuffixes = []string{"| SAP Help Portal", "- SAP Help Portal"}
)

// CleanTitle normalizes a page or breadcrumb title for comparison.
func CleanTitle(title string) string {
	cleaned := strings.TrimSpace(title)
	for _, p := range titlePrefixes {
		if strings.HasPrefix(cleaned, p) {
			cleaned = strings.TrimSpace(cleaned[len(p):])
		}
	}
	for _, s := range titleSuffixes {
		if strings.HasSuffix(cleaned, s) {
			cleaned = strings.TrimSpace(cleaned[:len(cleaned)-len(s)])
		}
	}
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = strings.Trim(cleaned, " -|:,.")
	return strings.ToLower(cleaned)
}

// TitlesMatch compares two titles after cleaning. Titles match when equal, when one
// contains the other, when they share at least three words, or when the shared words
// cover at least 70% of the longer title.
func TitlesMatch(a, b string) bool {
	a, b = CleanTitle(a), CleanTitle(b)
	if a == "" || b == "" {
		return a == b
	}
	if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}

	wa, wb := wordSet(a), wordSet(b)
	common := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			common++
		}
	}
	if common >= 3 {
		return true
	}
	longest := max(len(wa), len(wb))
	return common > 0 && float64(common)/float64(longest) >= 0.7
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

// CommentMatches reports whether the comment shown in the page is plausibly the one
// from the notification. Either text may be a truncated form of the other; failing
// that, most of the notification's longer words must appear in the page text.
func CommentMatches(mailText, pageText string) bool {
	m := strings.Join(strings.Fields(mailText), " ")
	p := strings.Join(strings.Fields(pageText), " ")
	if m == "" || p == "" {
		return m == p
	}
	if strings.Contains(p, m) || strings.Contains(m, p) {
		return true
	}

	var significant []string
	for _, w := range strings.Fields(m) {
		if len(w) > 5 {
			significant = append(significant, w)
		}
		if len(significant) == 5 {
			break
		}
	}
	if len(significant) == 0 {
		return false
	}
	hits := 0
	for _, w := range significant {
		if strings.Contains(p, w) {
			hits++
		}
	}
	return hits >= min(3, len(significant))
}
