package cli

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestShortDigest(t *testing.T) {
	cases := []struct {
		in   digest.Digest
		want string
	}{
		{digest.FromString("x"), digest.FromString("x").Encoded()[:12]},
		{digest.Digest("sha256:abc123"), "abc123"},
		{digest.Digest("sha256:"), ""},
	}
	for _, tt := range cases {
		if got := shortDigest(tt.in); got != tt.want {
			t.Errorf("shortDigest(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
