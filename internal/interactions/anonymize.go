package interactions

import (
	"regexp"
	"strings"
)

var (
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlRe    = regexp.MustCompile(`https?://\S+`)
	coordRe  = regexp.MustCompile(`-?\d{1,3}\.\d{3,}\s*,\s*-?\d{1,3}\.\d{3,}`)
	numberRe = regexp.MustCompile(`\+?\d(?:[ \-]?\d){6,}`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Anonymize strips personal identifiers from a query before it is stored:
// email addresses, URLs, precise coordinates and long digit runs such as
// phone or account numbers.
func Anonymize(query string) string {
	s := emailRe.ReplaceAllString(query, "[email]")
	s = urlRe.ReplaceAllString(s, "[url]")
	s = coordRe.ReplaceAllString(s, "[location]")
	s = numberRe.ReplaceAllString(s, "[number]")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Prefix returns at most n runes of s. Dataset generation keeps only this
// prefix of historical queries.
func Prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
