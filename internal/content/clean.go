// Package content implements the text transforms of the generator pipeline:
// paragraph cleaning and pinyin annotation.
package content

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultMinParagraphLen drops fragments too short to be prose.
const DefaultMinParagraphLen = 10

// adKeywords marks boilerplate paragraphs that carry no article content.
var adKeywords = []string{
	"微信",
	"公众号",
	"关注我们",
	"扫码",
	"二维码",
	"点击进入",
	"免责声明",
	"版权所有",
	"转载请注明",
	"广告",
	"推广",
	"更多精彩",
	"阅读原文",
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`[ \t\x{3000}]+`)
)

// CleanParagraphs splits raw text into paragraphs and drops markup, control
// characters, boilerplate and fragments below minLen runes. minLen <= 0
// falls back to DefaultMinParagraphLen.
func CleanParagraphs(raw string, minLen int) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		p := CleanParagraph(line, minLen)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CleanParagraph normalizes one paragraph. Returns "" when the paragraph
// should be dropped.
func CleanParagraph(raw string, minLen int) string {
	if minLen <= 0 {
		minLen = DefaultMinParagraphLen
	}

	text := htmlTagRe.ReplaceAllString(raw, "")
	text = stripControl(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if len([]rune(text)) < minLen {
		return ""
	}
	for _, kw := range adKeywords {
		if strings.Contains(text, kw) {
			return ""
		}
	}
	return text
}

// stripControl removes control and zero-width characters.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
}
