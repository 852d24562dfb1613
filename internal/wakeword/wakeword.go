// Package wakeword spots wake phrases in transcripts and extracts the command
// spoken after them.
package wakeword

import (
	"strings"
	"unicode"
)

type Detector struct {
	phrases []string
}

// New lowercases phrases and drops blanks. Order matters: ExtractCommand tries
// phrases in the order given.
func New(phrases []string) *Detector {
	d := &Detector{}
	for _, p := range phrases {
		p = strings.ToLower(p)
		if strings.TrimSpace(p) == "" {
			continue
		}
		d.phrases = append(d.phrases, p)
	}
	return d
}

func (d *Detector) Phrases() []string {
	return append([]string(nil), d.phrases...)
}

// Contains reports whether any wake phrase occurs in text, ignoring case.
func (d *Detector) Contains(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ExtractCommand returns the text following the first wake phrase that is
// followed by anything, with leading ASCII punctuation and symbols removed.
func (d *Detector) ExtractCommand(text string) (string, bool) {
	lower := strings.ToLower(text)
	// Slice the original when lowercasing kept byte offsets aligned.
	source := text
	if len(lower) != len(text) {
		source = lower
	}
	for _, p := range d.phrases {
		pos := strings.Index(lower, p)
		if pos < 0 {
			continue
		}
		command := strings.TrimSpace(source[pos+len(p):])
		command = strings.TrimLeftFunc(command, func(r rune) bool {
			return r < unicode.MaxASCII && (unicode.IsPunct(r) || unicode.IsSymbol(r))
		})
		command = strings.TrimSpace(command)
		if command != "" {
			return command, true
		}
	}
	return "", false
}
