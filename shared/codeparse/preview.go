package codeparse

import "strings"

// Preview renders the fixed standalone document. Nothing is escaped or
// sanitized here; the page embedding the preview must isolate it.
func Preview(html, css, js string) string {
	var sb strings.Builder
	sb.Grow(len(html) + len(css) + len(js) + 320)

	sb.WriteString("<!DOCTYPE html>\n")
	sb.WriteString("<html lang=\"en\">\n")
	sb.WriteString("<head>\n")
	sb.WriteString("  <meta charset=\"UTF-8\">\n")
	sb.WriteString("  <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	sb.WriteString("  <style>\n")
	sb.WriteString(css)
	sb.WriteString("\n  </style>\n")
	sb.WriteString("</head>\n")
	sb.WriteString("<body>\n")
	sb.WriteString(html)
	sb.WriteString("\n  <script>\n")
	sb.WriteString(js)
	sb.WriteString("\n  </script>\n")
	sb.WriteString("</body>\n")
	sb.WriteString("</html>\n")
	return sb.String()
}

// Rebuild recomputes the preview from the code's own parts.
func (c GeneratedCode) Rebuild() GeneratedCode {
	c.Preview = Preview(c.HTML, c.CSS, c.JS)
	return c
}
