package research

import (
	"fmt"
	"strings"
)

// iterationFocus steers each research iteration toward a different angle
// so later iterations widen rather than repeat.
func iterationFocus(iteration int) string {
	switch iteration {
	case 0:
		return "the main concepts and definitions"
	case 1:
		return "practical implementation and usage"
	case 2:
		return "advanced features and edge cases"
	default:
		return "the surrounding ecosystem and alternatives"
	}
}

func queryPrompt(topic, focus string, previous []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate one focused search query about: %s\n", topic)
	fmt.Fprintf(&b, "Focus on %s.\n", focus)
	if len(previous) > 0 {
		fmt.Fprintf(&b, "Already searched, produce something different:\n")
		for _, q := range previous {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	b.WriteString("Respond with only the query text, no quotes.")
	return b.String()
}

func retryQueryPrompt(topic, focus string, previous []string) string {
	return queryPrompt(topic, focus, previous) +
		"\nYour last attempt was too similar to an earlier query. Take a clearly different angle."
}

func urlPrompt(query string, limit int, seen []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suggest up to %d URLs worth reading in full about: %s\n", limit, query)
	if len(seen) > 0 {
		b.WriteString("URLs already found during research:\n")
		for _, u := range seen {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}
	b.WriteString("Respond with one URL per line, best first. Respond with nothing if none are worth it.")
	return b.String()
}

func synthesisPrompt(context string) string {
	return fmt.Sprintf(`You are answering with the help of gathered research material.
Use the material below where it is relevant, cite sources inline by their tag, and say so when the material does not cover something.

Research material:
%s`, context)
}

const truncationNotice = "\n\nNote: some gathered material was dropped to fit the context window; the answer may be incomplete."
