package research

import "strings"

// jaccard computes word-set similarity between two queries in [0, 1].
// Used to suppress near-duplicate generated queries.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for word := range setA {
		if setB[word] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(s)) {
		word = strings.Trim(word, `.,;:!?"'()[]{}`)
		if word != "" {
			set[word] = true
		}
	}
	return set
}

// isDuplicate reports whether query is too similar to any previous query.
func isDuplicate(query string, previous []string, threshold float64) bool {
	for _, p := range previous {
		if jaccard(query, p) >= threshold {
			return true
		}
	}
	return false
}
