// Package chunker splits document text into overlapping, size-bounded
// chunks on sentence boundaries.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
)

type Chunker struct {
	size    int
	overlap int
}

// New returns a Chunker producing chunks of at most size characters, each
// starting with up to overlap characters of trailing sentences from the
// previous chunk.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Split(text string) ([]string, error) {
	var units []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		sentences, err := segment(para)
		if err != nil {
			return nil, err
		}
		for _, s := range sentences {
			units = append(units, c.hardSplit(s)...)
		}
	}

	return c.pack(units), nil
}

func segment(para string) ([]string, error) {
	doc, err := prose.NewDocument(para,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to segment text: %w", err)
	}

	sents := doc.Sentences()
	out := make([]string, 0, len(sents))
	for _, s := range sents {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = append(out, para)
	}
	return out, nil
}

// hardSplit breaks a sentence longer than the chunk size on word boundaries,
// and words longer than the chunk size on rune boundaries.
func (c *Chunker) hardSplit(sentence string) []string {
	if runeLen(sentence) <= c.size {
		return []string{sentence}
	}

	var out []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range strings.Fields(sentence) {
		for runeLen(word) > c.size {
			flush()
			head, rest := splitRunes(word, c.size)
			out = append(out, head)
			word = rest
		}

		wl := runeLen(word)
		if curLen > 0 && curLen+1+wl > c.size {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(word)
		curLen += wl
	}
	flush()

	return out
}

// pack greedily joins units into chunks, seeding each new chunk with the
// longest run of trailing units from the previous chunk that fits in the
// overlap budget and still leaves room for the next unit.
func (c *Chunker) pack(units []string) []string {
	var chunks []string
	var cur []string
	curLen := 0
	fresh := 0 // units in cur not carried over from the previous chunk

	joinedLen := func(parts []string) int {
		n := 0
		for i, p := range parts {
			if i > 0 {
				n++
			}
			n += runeLen(p)
		}
		return n
	}

	for _, u := range units {
		ul := runeLen(u)
		if len(cur) > 0 && curLen+1+ul > c.size {
			if fresh > 0 {
				chunks = append(chunks, strings.Join(cur, " "))
			}

			carry := c.carry(cur, ul)
			cur = append([]string(nil), carry...)
			curLen = joinedLen(cur)
			fresh = 0
		}

		if len(cur) > 0 {
			curLen++
		}
		cur = append(cur, u)
		curLen += ul
		fresh++
	}

	if fresh > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}

func (c *Chunker) carry(prev []string, nextLen int) []string {
	if c.overlap == 0 {
		return nil
	}

	start := len(prev)
	n := 0
	for i := len(prev) - 1; i >= 0; i-- {
		add := runeLen(prev[i])
		if n > 0 {
			add++
		}
		if n+add > c.overlap || n+add+1+nextLen > c.size {
			break
		}
		n += add
		start = i
	}
	return prev[start:]
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func splitRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
