package logging

// MaxLogFieldLength caps the size of free-form log fields such as rendered
// bootstrap payloads and provider error bodies.
const MaxLogFieldLength = 512

// Truncate shortens s to MaxLogFieldLength runes, appending "..." when cut.
// Cutting happens on rune boundaries so multi-byte sequences in provider
// error bodies are never split.
func Truncate(s string) string {
	if len(s) <= MaxLogFieldLength {
		return s
	}
	runes := []rune(s)
	if len(runes) <= MaxLogFieldLength {
		return s
	}
	return string(runes[:MaxLogFieldLength]) + "..."
}
