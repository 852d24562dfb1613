package stt

import "strings"

// Agreement promotes words to confirmed once consecutive hypotheses keep
// agreeing on them. Confirmed text only ever grows until Reset.
type Agreement struct {
	previous  string
	confirmed string
	count     int
}

func NewAgreement() *Agreement {
	return &Agreement{}
}

// Apply folds the latest hypothesis into the stabilizer and reports whether
// the confirmed text grew.
func (a *Agreement) Apply(current string) bool {
	grew := false
	prefix := CommonWordPrefix(a.previous, current)
	if prefix != "" && prefix == normalizeWords(a.previous) {
		a.count++
		if a.count >= 2 {
			if extra := wordsBeyond(a.confirmed, prefix); extra != "" {
				if a.confirmed == "" {
					a.confirmed = extra
				} else {
					a.confirmed += " " + extra
				}
				grew = true
			}
		}
	} else {
		a.count = 0
	}
	a.previous = current
	return grew
}

func (a *Agreement) Confirmed() string { return a.confirmed }

func (a *Agreement) Reset() {
	a.previous = ""
	a.confirmed = ""
	a.count = 0
}

// CommonWordPrefix returns the longest run of leading words shared by a and b,
// compared case-insensitively, in a's casing joined by single spaces.
func CommonWordPrefix(a, b string) string {
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	n := 0
	for n < len(wa) && n < len(wb) && strings.EqualFold(wa[n], wb[n]) {
		n++
	}
	return strings.Join(wa[:n], " ")
}

// wordsBeyond returns the words of text past the word count of confirmed.
func wordsBeyond(confirmed, text string) string {
	skip := len(strings.Fields(confirmed))
	words := strings.Fields(text)
	if skip >= len(words) {
		return ""
	}
	return strings.Join(words[skip:], " ")
}

func normalizeWords(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
