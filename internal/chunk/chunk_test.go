package chunk

import (
	"strings"
	"testing"
)

func TestSplit_UnderLimit(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"exact", strings.Repeat("x", 10)},
		{"multiline", "a\nb\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.text, 10)
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			if len(got) != 1 || got[0] != tt.text {
				t.Errorf("got %q, want [%q]", got, tt.text)
			}
		})
	}
}

func TestSplit_InvalidLimit(t *testing.T) {
	if _, err := Split("abc", 0); err == nil {
		t.Fatal("expected error for limit 0")
	}
	if _, err := Split("abc", -5); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestSplit_SingleCodePoints(t *testing.T) {
	got, err := Split("abc", 1)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks %q, want %q", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplit_NeverExceedsLimit(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
	}{
		{"long word", strings.Repeat("A", 3000), 2000},
		{"many lines", strings.Repeat("line of text\n", 500), 100},
		{"long words mixed", "short " + strings.Repeat("y", 250) + " tail", 100},
		{"cjk", strings.Repeat("世界", 500), 64},
		{"emoji", strings.Repeat("\U0001F600", 300), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split(tt.text, tt.limit)
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			for i, c := range chunks {
				if n := runeLen(c); n > tt.limit {
					t.Errorf("chunk %d has %d code points, limit %d", i, n, tt.limit)
				}
			}
		})
	}
}

func TestSplit_CountsCodePointsNotBytes(t *testing.T) {
	// 10 emoji = 10 code points but 40 bytes; must stay one chunk at limit 10.
	text := strings.Repeat("\U0001F680", 10)
	chunks, err := Split(text, 10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestSplit_NoSurrogateTear(t *testing.T) {
	// Odd limit over astral-plane runes: every chunk must remain valid UTF-8
	// with intact code points.
	text := strings.Repeat("\U0001F600", 50)
	chunks, err := Split(text, 7)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	var rebuilt strings.Builder
	for i, c := range chunks {
		if strings.ContainsRune(c, '�') {
			t.Errorf("chunk %d contains replacement character", i)
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Error("concatenated chunks do not reproduce input")
	}
}

func TestSplit_LineJoinRoundTrip(t *testing.T) {
	// When splitting happens only at line boundaries, re-joining with the
	// removed newline separators reproduces the input.
	lines := []string{"first line", "second line", "third", "fourth line here"}
	text := strings.Join(lines, "\n")
	chunks, err := Split(text, 16)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if got := strings.Join(chunks, "\n"); got != text {
		t.Errorf("round trip mismatch:\ngot  %q\nwant %q", got, text)
	}
}

func TestSplit_WordWindowRoundTrip(t *testing.T) {
	text := strings.Repeat("A", 3000)
	chunks, err := Split(text, 2000)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if runeLen(chunks[0]) != 2000 || runeLen(chunks[1]) != 1000 {
		t.Errorf("chunk sizes %d/%d, want 2000/1000", runeLen(chunks[0]), runeLen(chunks[1]))
	}
	if chunks[0]+chunks[1] != text {
		t.Error("concatenated chunks do not reproduce input")
	}
}

func TestSplit_WhitespaceRunSurvivesBoundary(t *testing.T) {
	// A three-space run lands on the chunk boundary; concatenation must
	// still reproduce the line byte for byte.
	text := strings.Repeat("a", 9) + "   " + "bbbb"
	chunks, err := Split(text, 10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i, c := range chunks {
		if n := runeLen(c); n > 10 {
			t.Errorf("chunk %d has %d code points", i, n)
		}
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Errorf("whitespace run lost:\ngot  %q\nwant %q", got, text)
	}
}

func TestSplit_BlankLinesPreserved(t *testing.T) {
	text := "para one\n\npara two"
	chunks, err := Split(text, 9)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	joined := strings.Join(chunks, "\n")
	if joined != text {
		t.Errorf("blank line lost: got %q, want %q", joined, text)
	}
}

func TestLimitFor(t *testing.T) {
	tests := []struct {
		channel string
		want    int
	}{
		{"discord", 2000},
		{"wecom", 2048},
		{"telegram", 4096},
		{"dingtalk", 20000},
		{"feishu", 30000},
		{"web", 30000},
		{"unknown-platform", 2000},
	}
	for _, tt := range tests {
		if got := LimitFor(tt.channel); got != tt.want {
			t.Errorf("LimitFor(%q) = %d, want %d", tt.channel, got, tt.want)
		}
	}
}
