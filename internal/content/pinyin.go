package content

import (
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"
)

var pinyinArgs = pinyin.NewArgs()

// AnnotatePinyin rewrites each Han character as "字(zi)", leaving every other
// rune untouched. Characters the dictionary does not know pass through
// unchanged.
func AnnotatePinyin(text string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)

	for _, r := range text {
		if !unicode.Is(unicode.Han, r) {
			b.WriteRune(r)
			continue
		}
		readings := pinyin.SinglePinyin(r, pinyinArgs)
		if len(readings) == 0 {
			b.WriteRune(r)
			continue
		}
		b.WriteRune(r)
		b.WriteByte('(')
		b.WriteString(readings[0])
		b.WriteByte(')')
	}
	return b.String()
}

// AnnotateParagraphs applies AnnotatePinyin to every paragraph.
func AnnotateParagraphs(paragraphs []string) []string {
	out := make([]string, len(paragraphs))
	for i, p := range paragraphs {
		out[i] = AnnotatePinyin(p)
	}
	return out
}
