package telegram

import (
	"regexp"
	"strings"
)

// Intake replies use a small Markdown subset: bold titles, italic
// prompts, inline code, and dash lists. Telegram wants its own HTML
// flavor, so these converters cover exactly that subset.

var (
	// Inline code is handled before bold/italic so backticked asterisks
	// survive.
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic     = regexp.MustCompile(`\*(.+?)\*`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// ToHTML converts intake Markdown to Telegram HTML.
func ToHTML(md string) string {
	lines := strings.Split(md, "\n")
	for i, line := range lines {
		lines[i] = inlineHTML(line)
	}
	return strings.Join(lines, "\n")
}

func inlineHTML(line string) string {
	type span struct {
		placeholder string
		html        string
	}
	var spans []span
	counter := 0

	line = reInlineCode.ReplaceAllStringFunc(line, func(match string) string {
		inner := reInlineCode.FindStringSubmatch(match)[1]
		placeholder := "\x00CODE" + string(rune('A'+counter)) + "\x00"
		counter++
		spans = append(spans, span{
			placeholder: placeholder,
			html:        "<code>" + escapeHTML(inner) + "</code>",
		})
		return placeholder
	})

	line = escapeHTML(line)

	// Bold before italic: ** would otherwise match * twice.
	line = reBold.ReplaceAllString(line, "<b>$1</b>")
	line = reItalic.ReplaceAllString(line, "<i>$1</i>")
	line = reLink.ReplaceAllString(line, `<a href="$2">$1</a>`)

	for _, s := range spans {
		line = strings.Replace(line, escapeHTML(s.placeholder), s.html, 1)
	}
	return line
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// ToPlain strips Markdown formatting, for when Telegram rejects the
// HTML rendering.
func ToPlain(md string) string {
	result := reInlineCode.ReplaceAllString(md, "$1")
	result = reBold.ReplaceAllString(result, "$1")
	result = reItalic.ReplaceAllString(result, "$1")
	result = reLink.ReplaceAllString(result, "$1 ($2)")
	return result
}
