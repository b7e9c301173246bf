// Package normalize cleans caller text before it is placed in a prompt.
// Notes pasted from rich-text editors arrive as HTML; the model reads
// markdown far better than markup, so HTML is converted and everything
// else passes through with only line endings and outer whitespace fixed.
package normalize

import (
	"regexp"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var htmlTag = regexp.MustCompile(`(?i)</?(p|div|br|span|ul|ol|li|b|strong|i|em|u|h[1-6]|table|thead|tbody|tr|td|th|font|body|html)(\s[^>]*)?/?>`)

// LooksLikeHTML reports whether s contains common block or inline tags.
// Comparison operators in prose ("pain < 3 days") do not match.
func LooksLikeHTML(s string) bool {
	return htmlTag.MatchString(s)
}

// Text returns s ready for prompt rendering.
func Text(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if LooksLikeHTML(s) {
		s = fromHTML(s)
	}
	return strings.TrimSpace(s)
}

func fromHTML(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style, noscript").Remove()

	body, err := doc.Html()
	if err == nil {
		converter := htmlmd.NewConverter("", true, nil)
		if markdown, mdErr := converter.ConvertString(body); mdErr == nil && strings.TrimSpace(markdown) != "" {
			return markdown
		}
	}

	// Fallback: plain text.
	return collapseBlankLines(doc.Text())
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
