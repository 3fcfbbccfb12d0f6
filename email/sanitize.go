package email

import "strings"

// inlineTags are the only tags kept in authored summaries.
var inlineTags = map[string]bool{
	"p":      true,
	"br":     true,
	"b":      true,
	"strong": true,
	"i":      true,
	"em":     true,
	"u":      true,
	"code":   true,
	"span":   true,
	"a":      true,
}

// sanitizeHTML keeps a small set of inline tags and drops every attribute except a
// safe href on links. Anything else is escaped so it renders as text.
func sanitizeHTML(html string) string {
	var out strings.Builder
	inTag := false
	tagStart := 0

	for i := 0; i < len(html); i++ {
		switch {
		case html[i] == '<':
			if inTag {
				out.WriteString("&lt;")
			}
			inTag = true
			tagStart = i
		case html[i] == '>' && inTag:
			writeTag(&out, html[tagStart+1:i])
			inTag = false
		case !inTag:
			out.WriteByte(html[i])
		}
	}

	if inTag {
		out.WriteString("&lt;")
		out.WriteString(escapeHTML(html[tagStart+1:]))
	}
	return out.String()
}

func writeTag(out *strings.Builder, content string) {
	closing := strings.HasPrefix(content, "/")
	raw := strings.TrimPrefix(content, "/")

	name := strings.TrimSuffix(raw, "/")
	if idx := strings.IndexAny(name, " \t\n"); idx != -1 {
		name = name[:idx]
	}
	name = strings.ToLower(name)

	if !inlineTags[name] {
		if !closing {
			out.WriteString("&lt;")
			out.WriteString(escapeHTML(content))
			out.WriteString("&gt;")
		}
		return
	}

	if closing {
		out.WriteString("</" + name + ">")
		return
	}
	out.WriteString("<" + name)
	if name == "a" {
		if href := extractAttribute(raw, "href"); href != "" && isSafeURL(href) {
			out.WriteString(` href="` + escapeHTML(href) + `"`)
		}
	}
	out.WriteString(">")
}

// extractAttribute extracts a quoted attribute value from an HTML tag string.
func extractAttribute(tag, attrName string) string {
	lower := strings.ToLower(tag)
	for _, pattern := range []string{attrName + `="`, attrName + `='`} {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		end := strings.IndexByte(tag[start:], pattern[len(pattern)-1])
		if end == -1 {
			continue
		}
		return tag[start : start+end]
	}
	return ""
}

// isSafeURL reports whether a URL may appear in an email.
// Only http, https and relative URLs are allowed.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	if urlStr == "" {
		return false
	}
	for _, p := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(urlStr, p) {
			return false
		}
	}
	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		!strings.Contains(urlStr, ":")
}
