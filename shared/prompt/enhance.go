// Package prompt rewrites raw user prompts so the model answers with the
// fenced html/css/javascript blocks codeparse understands. Keep Suffix in
// step with the fence tags in codeparse.
package prompt

import "strings"

// TechHint is appended unless the prompt already names a framework.
const TechHint = "\n\nUse modern HTML, CSS and JavaScript with a responsive design."

// Suffix ends every enhanced prompt.
const Suffix = `

Format your answer as exactly three fenced code blocks:
` + "```html" + `
(HTML body content only, without <html>, <head> or <body> tags)
` + "```" + `
` + "```css" + `
(all styles)
` + "```" + `
` + "```javascript" + `
(all scripts)
` + "```" + `
Keep the code well organized and commented.`

var frameworks = []string{"react", "vue", "angular"}

// Enhance is pure and deterministic.
func Enhance(userPrompt string) string {
	var sb strings.Builder
	sb.WriteString(userPrompt)
	if !mentionsFramework(userPrompt) {
		sb.WriteString(TechHint)
	}
	sb.WriteString(Suffix)
	return sb.String()
}

func mentionsFramework(p string) bool {
	lower := strings.ToLower(p)
	for _, f := range frameworks {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}
