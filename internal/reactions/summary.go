package reactions

import (
	"strconv"
	"strings"
)

// SummarySeparator opens the reaction summary appended to mirrored messages.
const SummarySeparator = "---"

// Render formats the tally as a summary block, or returns "" for an empty tally.
func Render(tally Tally) string {
	if len(tally) == 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString(SummarySeparator)
	builder.WriteString("\n")
	for _, kind := range tally.Kinds() {
		builder.WriteString(kind)
		builder.WriteString(" ")
		builder.WriteString(strconv.Itoa(tally[kind]))
		builder.WriteString(" ")
	}
	return builder.String()
}

// StripSummary removes a previously appended summary block from body.
// Everything from the first separator onwards is dropped.
func StripSummary(body string) string {
	if index := strings.Index(body, SummarySeparator); index >= 0 {
		body = body[:index]
	}
	return strings.TrimSpace(body)
}

// Decorate replaces any summary already present in body with summary.
func Decorate(body, summary string) string {
	stripped := StripSummary(body)
	if summary == "" {
		return stripped
	}
	if stripped == "" {
		return summary
	}
	return stripped + "\n" + summary
}
