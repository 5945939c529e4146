package contextguard

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	keepBullets     = 3
	maxSentenceRune = 160
)

var (
	headingRe = regexp.MustCompile(`^ {0,3}#{1,6}(\s|$)`)
	bulletRe  = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+`)
	elidedRe  = regexp.MustCompile(`^\[(\d+) earlier items elided\]$`)
)

type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeading
	blockFence
	blockBullets
)

type block struct {
	kind   blockKind
	lines  []string
	items  [][]string // bullet items, each one or more lines
	elided int
}

// Estimate approximates the token count of text as ceil(runes/4).
func Estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Compress shrinks text while keeping its structure. Headings and fenced
// code are kept verbatim, bullet runs keep their last three items and a
// paragraph is reduced to its first sentence. Compress is idempotent.
func Compress(text string) string {
	blocks := parse(text)
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if s := render(b); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n\n")
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "```")
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

func parse(text string) []block {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var blocks []block
	for i := 0; i < len(lines); {
		line := lines[i]
		switch {
		case isBlank(line):
			i++

		case isFence(line):
			b := block{kind: blockFence, lines: []string{line}}
			i++
			for i < len(lines) {
				b.lines = append(b.lines, lines[i])
				i++
				if isFence(b.lines[len(b.lines)-1]) {
					break
				}
			}
			blocks = append(blocks, b)

		case headingRe.MatchString(line):
			blocks = append(blocks, block{kind: blockHeading, lines: []string{line}})
			i++

		case bulletRe.MatchString(line) || elidedRe.MatchString(strings.TrimSpace(line)):
			b := block{kind: blockBullets}
			if m := elidedRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
				fmt.Sscanf(m[1], "%d", &b.elided)
				i++
			}
		items:
			for i < len(lines) {
				l := lines[i]
				switch {
				case bulletRe.MatchString(l):
					b.items = append(b.items, []string{l})
				case len(b.items) > 0 && !isBlank(l) && startsIndented(l) && !isFence(l) && !headingRe.MatchString(l):
					last := len(b.items) - 1
					b.items[last] = append(b.items[last], l)
				default:
					break items
				}
				i++
			}
			blocks = append(blocks, b)

		default:
			b := block{kind: blockParagraph}
			for i < len(lines) {
				l := lines[i]
				if isBlank(l) || isFence(l) || headingRe.MatchString(l) || bulletRe.MatchString(l) {
					break
				}
				b.lines = append(b.lines, strings.TrimSpace(l))
				i++
			}
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func startsIndented(line string) bool {
	return line != "" && (line[0] == ' ' || line[0] == '\t')
}

func render(b block) string {
	switch b.kind {
	case blockHeading, blockFence:
		return strings.Join(b.lines, "\n")
	case blockBullets:
		items := b.items
		elided := b.elided
		if len(items) > keepBullets {
			elided += len(items) - keepBullets
			items = items[len(items)-keepBullets:]
		}
		var out []string
		if elided > 0 {
			out = append(out, fmt.Sprintf("[%d earlier items elided]", elided))
		}
		for _, it := range items {
			out = append(out, it...)
		}
		return strings.Join(out, "\n")
	default:
		return firstSentence(strings.Join(b.lines, " "))
	}
}

func firstSentence(p string) string {
	runes := []rune(p)
	end := len(runes)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' {
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				end = i + 1
				break
			}
		}
	}
	runes = runes[:end]
	if len(runes) > maxSentenceRune {
		cut := strings.TrimRightFunc(string(runes[:maxSentenceRune-1]), unicode.IsSpace)
		return cut + "…"
	}
	return string(runes)
}
