package evidence

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTailKeepsRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "ok", 10, "ok"},
		{"ascii", "abcdef", 3, "def"},
		{"cut inside rune", "xé", 1, ""},
		{"cut before rune", "abé", 2, "é"},
		{"cjk", "测试失败", 7, "试失败"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tail(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("tail(%q, %d) = %q is not valid UTF-8", tt.in, tt.n, got)
			}
		})
	}
}

func TestExtractFailureTextIsValidUTF8(t *testing.T) {
	stderr := strings.Repeat("ошибка ", failureTextLimit/13+3)
	e := Extract(Input{Stderr: stderr}, MustDefault())
	if !utf8.ValidString(e.FailureText()) {
		t.Fatal("failure text split a rune")
	}
}
