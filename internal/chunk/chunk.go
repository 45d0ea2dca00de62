// Package chunk splits outbound text into platform-sized pieces.
// Limits are counted in Unicode code points, not bytes or UTF-16 units,
// so a chunk never ends inside a surrogate pair regardless of how the
// receiving platform re-encodes it.
package chunk

import (
	"fmt"
	"strings"
	"unicode"
)

// Per-channel message size limits in code points.
const (
	LimitDiscord  = 2000
	LimitWeCom    = 2048
	LimitTelegram = 4096
	LimitDingTalk = 20000
	LimitFeishu   = 30000
	LimitWeb      = 30000
)

// LimitFor returns the chunk limit for a channel id. Unknown channels
// get the most conservative limit.
func LimitFor(channelID string) int {
	switch channelID {
	case "discord":
		return LimitDiscord
	case "wecom":
		return LimitWeCom
	case "telegram":
		return LimitTelegram
	case "dingtalk":
		return LimitDingTalk
	case "feishu":
		return LimitFeishu
	case "web", "wechat":
		return LimitWeb
	default:
		return LimitDiscord
	}
}

// Split breaks text into chunks of at most limit code points each.
// Content order is preserved and nothing is dropped: chunks re-joined by
// the separators Split removed (newlines at line-flush boundaries)
// reproduce the input. Prefers newline boundaries, then whitespace,
// and only slices inside a word when a single token exceeds the limit.
func Split(text string, limit int) ([]string, error) {
	if limit < 1 {
		return nil, fmt.Errorf("chunk: limit must be >= 1, got %d", limit)
	}
	if runeLen(text) <= limit {
		return []string{text}, nil
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)

	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	appendStr := func(s string, n int) {
		cur.WriteString(s)
		curLen += n
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := runeLen(line)

		// Empty line: keep the blank line inside the current chunk
		// when it fits, otherwise start a new chunk.
		if lineLen == 0 {
			if curLen+1 > limit {
				flush()
			}
			appendStr("\n", 1)
			continue
		}

		// Oversized line: flush and fill chunks from its tokens.
		if lineLen > limit {
			flush()
			for _, tok := range splitTokens(line) {
				tokLen := runeLen(tok)
				if tokLen > limit {
					flush()
					for _, w := range windows(tok, limit) {
						chunks = append(chunks, w)
					}
					continue
				}
				if curLen+tokLen > limit {
					// A whitespace run straddling the boundary is kept
					// whole: what fits stays at the tail of the current
					// chunk, the rest leads the next one.
					if isBlank(tok) {
						fit := limit - curLen
						runes := []rune(tok)
						appendStr(string(runes[:fit]), fit)
						flush()
						if rest := runes[fit:]; len(rest) > 0 {
							appendStr(string(rest), len(rest))
						}
						continue
					}
					flush()
				}
				appendStr(tok, tokLen)
			}
			continue
		}

		// Normal line: join with a newline separator when it fits.
		sep := 0
		if curLen > 0 {
			sep = 1
		}
		if curLen+sep+lineLen > limit {
			flush()
			sep = 0
		}
		if sep == 1 {
			appendStr("\n", 1)
		}
		appendStr(line, lineLen)
	}

	flush()
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks, nil
}

// splitTokens splits a line into alternating word and whitespace runs.
// Concatenating the tokens reproduces the line exactly.
func splitTokens(line string) []string {
	var toks []string
	var cur []rune
	var curSpace bool
	for _, r := range line {
		space := unicode.IsSpace(r)
		if len(cur) > 0 && space != curSpace {
			toks = append(toks, string(cur))
			cur = cur[:0]
		}
		cur = append(cur, r)
		curSpace = space
	}
	if len(cur) > 0 {
		toks = append(toks, string(cur))
	}
	return toks
}

// windows slices s into pieces of exactly limit code points (last may be
// shorter). Slicing is rune-based so multi-byte characters stay intact.
func windows(s string, limit int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
