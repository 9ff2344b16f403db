package nettap

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// Redacted replaces every sensitive value.
const Redacted = "[REDACTED]"

const truncatedMarker = "...[truncated]"

// Default sanitize token sets. A key matches when it contains any token,
// case-insensitively.
var (
	DefaultSanitizeParams     = []string{"password", "token", "secret", "key", "apikey", "api_key", "access_token"}
	DefaultSanitizeHeaders    = []string{"authorization", "cookie", "x-auth-token"}
	DefaultSanitizeBodyFields = []string{"password", "token", "secret", "key", "apikey", "api_key", "access_token"}
)

// sanitizer applies the configured redaction rules to URLs, headers, and
// bodies.
type sanitizer struct {
	params      []string
	headers     []string
	bodyFields  []string
	maxBodySize int
}

func matchesToken(key string, tokens []string) bool {
	lower := strings.ToLower(key)
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// sanitizeURL redacts matching query parameter values, re-serializing the
// URL. Unparseable URLs pass through unchanged.
func (s *sanitizer) sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for name := range q {
		if matchesToken(name, s.params) {
			q.Set(name, Redacted)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// sanitizeHeaders lowercases keys and redacts matching ones.
func (s *sanitizer) sanitizeHeaders(headers map[string][]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		key := strings.ToLower(name)
		if matchesToken(key, s.headers) {
			out[key] = Redacted
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// sanitizeBody recognizes JSON text, form-encoded pairs, multipart
// form-data, and plain object graphs; matching field values are redacted
// and long strings truncated.
func (s *sanitizer) sanitizeBody(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	switch {
	case strings.Contains(mediaType, "json"):
		if v := s.sanitizeJSONText(body); v != nil {
			return v
		}
	case mediaType == "application/x-www-form-urlencoded":
		if v := s.sanitizeForm(string(body)); v != nil {
			return v
		}
	case mediaType == "multipart/form-data":
		if v := s.sanitizeMultipart(body, params["boundary"]); v != nil {
			return v
		}
	}

	// Content sniffing for untyped payloads.
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if v := s.sanitizeJSONText(body); v != nil {
			return v
		}
	}

	return s.truncate(string(body))
}

func (s *sanitizer) sanitizeJSONText(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}
	return s.sanitizeValue("", v)
}

// sanitizeValue recurses a decoded object graph, redacting any field whose
// name matches a body token.
func (s *sanitizer) sanitizeValue(key string, v any) any {
	if key != "" && matchesToken(key, s.bodyFields) {
		return Redacted
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.sanitizeValue(k, item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.sanitizeValue("", item)
		}
		return out
	case string:
		return s.truncate(val)
	default:
		return v
	}
}

func (s *sanitizer) sanitizeForm(body string) any {
	values, err := url.ParseQuery(body)
	if err != nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for name, vals := range values {
		if matchesToken(name, s.bodyFields) {
			out[name] = Redacted
			continue
		}
		if len(vals) == 1 {
			out[name] = s.truncate(vals[0])
			continue
		}
		items := make([]any, len(vals))
		for i, v := range vals {
			items[i] = s.truncate(v)
		}
		out[name] = items
	}
	return out
}

func (s *sanitizer) sanitizeMultipart(body []byte, boundary string) any {
	if boundary == "" {
		return nil
	}
	reader := multipart.NewReader(strings.NewReader(string(body)), boundary)
	out := make(map[string]any)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		if part.FileName() != "" {
			out[name] = "[file: " + part.FileName() + "]"
			continue
		}
		if matchesToken(name, s.bodyFields) {
			out[name] = Redacted
			continue
		}
		content, _ := io.ReadAll(io.LimitReader(part, int64(s.maxBodySize)+1))
		out[name] = s.truncate(string(content))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *sanitizer) truncate(v string) string {
	if len(v) <= s.maxBodySize {
		return v
	}
	return v[:s.maxBodySize] + truncatedMarker
}
