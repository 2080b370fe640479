package natskv

import "testing"

func TestKey(t *testing.T) {
	tests := map[string]string{
		"artifact:0b1c:run_digest:12": "artifact.0b1c.run_digest.12",
		"plain":                       "plain",
	}
	for in, want := range tests {
		if got := Key(in); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}
