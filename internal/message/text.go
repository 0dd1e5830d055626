package message

import (
	"strings"

	"golang.org/x/net/html"
)

// blockElements end a line of text when they open or close.
var blockElements = map[string]bool{
	"br": true, "p": true, "div": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "blockquote": true, "hr": true, "section": true,
}

// skippedElements have content that never belongs in the text rendering.
var skippedElements = map[string]bool{
	"script": true, "style": true, "head": true, "title": true,
}

// PlainText strips markup from an HTML fragment. Entities are decoded, block
// elements become line breaks and runs of whitespace collapse to one space.
func PlainText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var lines []string
	var cur strings.Builder
	skipDepth := 0

	flush := func() {
		line := strings.Join(strings.Fields(cur.String()), " ")
		cur.Reset()
		if line == "" {
			return
		}
		lines = append(lines, line)
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; either way keep what was collected
			flush()
			return strings.Join(lines, "\n")
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] {
				switch tt {
				case html.StartTagToken:
					skipDepth++
				case html.EndTagToken:
					if skipDepth > 0 {
						skipDepth--
					}
				}
				continue
			}
			if blockElements[tag] {
				flush()
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			cur.WriteString(" ")
			cur.Write(z.Text())
			cur.WriteString(" ")
		}
	}
}
