package serviceworker

import (
	"net/url"
	"testing"
)

func TestAllowList(t *testing.T) {
	al, err := newAllowList([]string{"app.example", "*.cdn.example", "BÜCHER.example."})
	if err != nil {
		t.Fatalf("newAllowList: %v", err)
	}
	tests := []struct {
		url  string
		want bool
	}{
		{"https://app.example/sw.js", true},
		{"https://APP.example:8443/sw.js", true},
		{"https://app.example./sw.js", true},
		{"https://www.app.example/sw.js", false},
		{"https://static.cdn.example/sw.js", true},
		{"https://a.b.cdn.example/sw.js", true},
		{"https://cdn.example/sw.js", false},
		{"https://evilcdn.example/sw.js", false},
		{"https://xn--bcher-kva.example/sw.js", true},
		{"https://other.example/sw.js", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		if err != nil {
			t.Fatal(err)
		}
		if got := al.allows(u); got != tt.want {
			t.Errorf("allows(%s) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestAllowListWildcardAll(t *testing.T) {
	al, err := newAllowList([]string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse("https://anything.test/sw.js")
	if !al.allows(u) {
		t.Fatal("* should allow every host")
	}
}

func TestAllowListEmptyDeniesAll(t *testing.T) {
	al, err := newAllowList(nil)
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse("https://app.example/sw.js")
	if al.allows(u) {
		t.Fatal("empty list should deny")
	}
}

func TestAllowListRejectsPublicSuffixWildcard(t *testing.T) {
	for _, entry := range []string{"*.com", "*.co.uk", "*.github.io"} {
		if _, err := newAllowList([]string{entry}); err == nil {
			t.Errorf("newAllowList(%q) accepted a public suffix wildcard", entry)
		}
	}
}
