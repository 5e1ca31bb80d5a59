package cli

import "testing"

func TestFormatSize(t *testing.T) {
	for n, want := range map[int]string{
		0:       "0 B",
		812:     "812 B",
		1023:    "1023 B",
		1024:    "1.0 KB",
		1536:    "1.5 KB",
		1 << 20: "1.0 MB",
		3 << 29: "1.5 GB",
	} {
		if got := FormatSize(n); got != want {
			t.Errorf("FormatSize(%d) = %q, want %q", n, got, want)
		}
	}
}
