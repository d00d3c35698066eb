package util

import "testing"

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"cache:global:users:*", "cache:global:users:list:1", true},
		{"cache:global:users:*", "cache:global:users:", true},
		{"cache:global:users:*", "cache:global:admin-users:1", false},
		{"cache:t1:users:42", "cache:t1:users:42", true},
		{"cache:t1:users:42", "cache:t1:users:420", false},
		{"cache:*:users:*", "cache:t1/a:users:x", true},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h[ae]llo", "hallo", true},
		{"h[^e]llo", "hello", false},
		{"h[a-c]llo", "hbllo", true},
		{`a\*b`, "a*b", true},
		{`a\*b`, "axb", false},
		{"**", "", true},
	}
	for _, c := range cases {
		if got := GlobMatch(c.pattern, c.s); got != c.want {
			t.Fatalf("GlobMatch(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}
