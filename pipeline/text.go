package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	wordsPerMinute = 200
	summaryLength  = 280
)

// plainText extracts readable text from a post body, dropping scripts and styles.
func plainText(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return strings.Join(strings.Fields(body), " ")
	}
	doc.Find("script, style, noscript, template").Remove()

	// Separate block elements so adjacent paragraphs don't run together.
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, br, blockquote").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// readTimeMinutes estimates reading time, never less than one minute.
func readTimeMinutes(text string) int {
	words := len(strings.Fields(text))
	minutes := (words + wordsPerMinute - 1) / wordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}

// summarize returns at most summaryLength characters of text, cut at a word boundary.
func summarize(text string) string {
	if utf8.RuneCountInString(text) <= summaryLength {
		return text
	}
	runes := []rune(text)[:summaryLength]
	// Back up to the last space unless that would drop more than half the summary.
	for i := len(runes) - 1; i > summaryLength/2; i-- {
		if runes[i] == ' ' {
			runes = runes[:i]
			break
		}
	}
	return strings.TrimRight(string(runes), " ,.;:") + "…"
}
