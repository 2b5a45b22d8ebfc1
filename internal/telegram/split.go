package telegram

import "strings"

const (
	// MaxMessageLength is the Bot API limit for message text.
	MaxMessageLength = 4096
	// MaxCaptionLength is the Bot API limit for media captions.
	MaxCaptionLength = 1024
)

// SplitText cuts text into parts of at most limit runes. A part ends at the
// last newline that fits, else at the last space, else at the limit. The
// separator at a break is dropped and blank parts are skipped, since the Bot
// API rejects empty text.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	var parts []string
	add := func(p string) {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	rest := []rune(text)
	for len(rest) > 0 {
		if len(rest) <= limit {
			add(string(rest))
			break
		}
		chunk := string(rest[:limit])
		if i := strings.LastIndex(chunk, "\n"); i > 0 {
			add(chunk[:i])
			rest = rest[len([]rune(chunk[:i]))+1:]
			continue
		}
		if i := strings.LastIndex(chunk, " "); i > 0 {
			add(chunk[:i])
			rest = rest[len([]rune(chunk[:i]))+1:]
			continue
		}
		add(chunk)
		rest = rest[limit:]
	}
	return parts
}

// SplitCaption fits text into one caption of at most MaxCaptionLength runes
// and returns what did not fit as message-sized follow-up parts.
func SplitCaption(text string) (string, []string) {
	if len([]rune(text)) <= MaxCaptionLength {
		return text, nil
	}
	parts := SplitText(text, MaxCaptionLength)
	if len(parts) == 0 {
		return "", nil
	}
	caption := parts[0]
	idx := strings.Index(text, caption) + len(caption)
	rest := strings.TrimLeft(text[idx:], " \n")
	return caption, SplitText(rest, MaxMessageLength)
}
