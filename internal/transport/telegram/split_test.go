package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortIsUnchanged(t *testing.T) {
	if got := splitText("hello", 10, ""); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextRespectsLimitInRunes(t *testing.T) {
	s := strings.Repeat("é", 25)
	for _, chunk := range splitText(s, 10, "") {
		if n := utf8.RuneCountInString(chunk); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	s := "abcdefg<b>bold</b>"
	got := splitText(s, 9, "HTML")
	if got[0] != "abcdefg" {
		t.Fatalf("first chunk = %q", got[0])
	}
}
