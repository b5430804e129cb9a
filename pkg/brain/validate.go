package brain

import (
	"regexp"
	"strings"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// injectionPatterns match script, template, and prototype-pollution payloads
// that must never enter learned content.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?s)\{\{.*?\}\}`),
	regexp.MustCompile(`(?s)\$\{.*?\}`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`(?i)constructor\s*\(`),
}

const filteredMarker = "[FILTERED]"

// sanitizeInput enforces the size cap and the injection filter. In strict
// mode a violation rejects the input; otherwise the input is truncated and
// matched payloads are replaced with a marker. NUL bytes are always removed.
// Every violation counts toward the health check's validation_errors.
func (b *Brain) sanitizeInput(text string, maxLen int, field string) (string, error) {
	strict := b.cfg.Session.StrictValidation
	flagged := false

	if maxLen > 0 && len(text) > maxLen {
		if strict {
			b.recordValidationError()
			return "", types.NewValidationError(field+" too long", map[string]any{
				"length": len(text),
				"limit":  maxLen,
			})
		}
		text = strings.ToValidUTF8(text[:maxLen], "")
		flagged = true
		logging.SessionDebug("Truncated %s to %d bytes", field, maxLen)
	}

	if strings.ContainsRune(text, 0) {
		text = strings.ReplaceAll(text, "\x00", "")
		flagged = true
	}

	for _, pattern := range injectionPatterns {
		if !pattern.MatchString(text) {
			continue
		}
		if strict {
			b.recordValidationError()
			return "", types.NewValidationError(field+" matches an injection pattern", map[string]any{
				"pattern": pattern.String(),
			})
		}
		text = pattern.ReplaceAllString(text, filteredMarker)
		flagged = true
	}

	if flagged {
		b.recordValidationError()
	}
	return text, nil
}

func (b *Brain) recordValidationError() {
	b.mu.Lock()
	b.validationErrs++
	b.mu.Unlock()
}
