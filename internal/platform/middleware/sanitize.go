package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

// maxHeaderValueSize is the maximum allowed size for any single header value.
const maxHeaderValueSize = 8192

// MaxContentRunes caps sanitized message content.
const MaxContentRunes = 5000

var (
	// SQL injection patterns (warning only).
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	// Script injection patterns (block).
	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)

	scriptBlocks = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)\s*>`)
	markupTags   = regexp.MustCompile(`(?is)<!--.*?-->|</` + htmlElements + `\s*>|<` + htmlElements + `(?:` + htmlAttr + `)*\s*/?>`)
)

// Only known HTML elements are stripped, and attributes must carry a value,
// so prose such as "a<b then c>d" or "<with food>" survives.
const (
	htmlElements = `(?:a|abbr|b|big|blockquote|body|br|button|center|code|div|em|embed|font|form|h[1-6]|head|hr|html|i|iframe|img|input|label|li|link|meta|object|ol|p|pre|s|small|span|strike|strong|sub|sup|svg|table|tbody|td|textarea|th|thead|title|tr|u|ul)`
	htmlAttr     = `\s+[a-zA-Z_:][-a-zA-Z0-9_:.]*\s*=\s*(?:"[^"]*"|'[^']*'|[^\s"'<>=` + "`" + `]+)`
)

// Sanitize returns middleware that rejects requests carrying path traversal,
// null bytes, header injection or script payloads in query parameters.
func Sanitize() echo.MiddlewareFunc {
	return SanitizeWithLogger(zerolog.Nop())
}

// SanitizeWithLogger is Sanitize with a logger for SQL injection warnings.
func SanitizeWithLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return badRequest(c, "path traversal detected")
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return badRequest(c, "null byte injection detected")
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return badRequest(c, "header value exceeds maximum size: "+name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return badRequest(c, "header injection detected: "+name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if containsNullByte(v) || containsNullByte(key) {
						return badRequest(c, "null byte injection detected in query parameter")
					}
					if sqlPatterns.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", path).
							Str("remote_ip", c.RealIP()).
							Msg("potential SQL injection pattern detected in query parameter")
					}
					if scriptPatterns.MatchString(v) || scriptPatterns.MatchString(key) {
						return badRequest(c, "script injection detected in query parameter")
					}
				}
			}

			return next(c)
		}
	}
}

func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	if strings.ContainsRune(s, '\x00') {
		return true
	}
	return strings.Contains(strings.ToLower(s), "%00")
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"message": msg})
}

// SanitizeString strips null bytes and control characters (except \n, \r,
// \t) and trims surrounding whitespace.
func SanitizeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\x00' || r == utf8.RuneError {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ContentSanitizer cleans free-text message bodies before they are stored.
// It is a storage hygiene pass; rendering clients still escape output.
type ContentSanitizer struct {
	MaxRunes int
}

func NewContentSanitizer() *ContentSanitizer {
	return &ContentSanitizer{MaxRunes: MaxContentRunes}
}

// Sanitize normalizes to NFC, drops control characters, removes script and
// style blocks and recognised HTML tags, trims, and truncates to MaxRunes.
// Angle brackets that do not form an HTML tag are kept.
func (s *ContentSanitizer) Sanitize(text string) string {
	out := norm.NFC.String(text)
	out = scriptBlocks.ReplaceAllString(out, "")
	out = markupTags.ReplaceAllString(out, "")
	out = SanitizeString(out)

	if s.MaxRunes > 0 && utf8.RuneCountInString(out) > s.MaxRunes {
		runes := []rune(out)
		out = strings.TrimSpace(string(runes[:s.MaxRunes]))
	}
	return out
}
