// Package codeparse pulls html/css/js fenced blocks out of model replies and
// assembles them into a standalone preview document.
//
// The scanner is a two-state line machine: Outside, or inside a fence with a
// language tag. A fence opens on a line starting with ``` and closes on the
// next line starting or ending with ```. Fences that never close are dropped.
//
// When a reply holds several blocks of the same language only the first one
// is used; later ones are ignored (see TestParseKeepsFirstBlockPerLanguage).
package codeparse

import (
	"bufio"
	"strings"
)

const fence = "```"

type Lang string

const (
	LangHTML Lang = "html"
	LangCSS  Lang = "css"
	LangJS   Lang = "js"
)

// openMarkers are the literal fence openers the prompt asks the model for.
var openMarkers = []string{"```html", "```css", "```js", "```javascript"}

// GeneratedCode is recomputed from every new assistant reply, never merged.
type GeneratedCode struct {
	HTML    string `json:"html"`
	CSS     string `json:"css"`
	JS      string `json:"js"`
	Preview string `json:"preview,omitempty"`
}

// Block is one closed fenced segment. Lang is empty for tags other than
// html, css, javascript and js.
type Block struct {
	Tag  string
	Lang Lang
	Body string
}

// HasCodeBlocks reports whether text contains any of the fence-open markers.
// It does not check that the fence is closed.
func HasCodeBlocks(text string) bool {
	for _, m := range openMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Blocks returns every closed fenced block in order of appearance. A fence
// opening html, css or js while another block is open closes that block
// first, and a body line ending in ``` closes its block on the same line.
func Blocks(text string) []Block {
	var (
		blocks []Block
		inside bool
		tag    string
		body   []string
	)
	closeBlock := func() {
		blocks = append(blocks, Block{
			Tag:  tag,
			Lang: langOf(tag),
			Body: strings.TrimSpace(strings.Join(body, "\n")),
		})
		inside = false
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if inside && strings.HasPrefix(trimmed, fence) {
			next := fenceTag(trimmed)
			closeBlock()
			if langOf(next) == "" {
				continue
			}
			// unterminated block followed by a known opener
		}
		if !inside {
			if strings.HasPrefix(trimmed, fence) {
				inside = true
				tag = fenceTag(trimmed)
				body = body[:0]
			}
			continue
		}

		if strings.HasSuffix(trimmed, fence) {
			body = append(body, strings.TrimSuffix(strings.TrimRight(line, " \t"), fence))
			closeBlock()
			continue
		}
		body = append(body, line)
	}
	return blocks
}

// Parse extracts the first html, css and js block and builds the preview.
// Missing languages come back as empty strings; the preview is always built.
func Parse(text string) GeneratedCode {
	var code GeneratedCode
	seen := map[Lang]bool{}
	for _, b := range Blocks(text) {
		if b.Lang == "" || seen[b.Lang] {
			continue
		}
		seen[b.Lang] = true
		switch b.Lang {
		case LangHTML:
			code.HTML = b.Body
		case LangCSS:
			code.CSS = b.Body
		case LangJS:
			code.JS = b.Body
		}
	}
	code.Preview = Preview(code.HTML, code.CSS, code.JS)
	return code
}

func fenceTag(line string) string {
	fields := strings.Fields(strings.TrimPrefix(line, fence))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func langOf(tag string) Lang {
	switch tag {
	case "html":
		return LangHTML
	case "css":
		return LangCSS
	case "javascript", "js":
		return LangJS
	}
	return ""
}
