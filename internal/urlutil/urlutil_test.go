package urlutil

import "testing"

func TestNormalizeStripsFragment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://a.com/x#f", "https://a.com/x"},
		{"https://a.com/x", "https://a.com/x"},
		{"https://a.com/x?q=1#frag", "https://a.com/x?q=1"},
		{"", ""},
		{"not a url", "not a url"},
		{"/relative/path#f", "/relative/path#f"},
		{"https://a.com", "https://a.com/"},
		{"https://A.com/x", "https://a.com/x"},
		{"HTTPS://a.com:443/x", "https://a.com/x"},
		{"http://a.com:8080", "http://a.com:8080/"},
		{"https://a.com/x#f%zz", "https://a.com/x"},
		{"https://a.com/x#", "https://a.com/x"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"https://a.com/x#f",
		"https://billing.example.com/view-external-bill?doc=1&acct=2#top",
		"http://example.com",
		"https://example.com/a%20b#",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize(Normalize(%q)) = %q; want %q", in, twice, once)
		}
	}
	pairs := [][2]string{
		{"https://a.com/x#f", "https://a.com/x"},
		{"https://a.com", "https://a.com/"},
		{"https://A.com/x", "https://a.com/x"},
		{"https://a.com/x#f%zz", "https://a.com/x"},
	}
	for _, p := range pairs {
		if Normalize(p[0]) != Normalize(p[1]) {
			t.Fatalf("Normalize(%q) = %q; want same as %q", p[0], Normalize(p[0]), p[1])
		}
	}
}

func TestDedupeKey(t *testing.T) {
	if got := DedupeKey("https://a.com/x#f", "123", ""); got != "https://a.com/x|123" {
		t.Fatalf("DedupeKey() = %q; want %q", got, "https://a.com/x|123")
	}
	if got := DedupeKey("https://a.com/x", "", ""); got != "https://a.com/x|" {
		t.Fatalf("DedupeKey() = %q; want %q", got, "https://a.com/x|")
	}
	if got := DedupeKey("https://a.com/x", "123", "explicit"); got != "explicit" {
		t.Fatalf("DedupeKey() = %q; want %q", got, "explicit")
	}
}

func TestAbsolute(t *testing.T) {
	page := "https://portal.example.com/billing/accounts/list.aspx?x=1"
	tests := []struct {
		in   string
		want string
	}{
		{"https://cdn.example.com/a.pdf", "https://cdn.example.com/a.pdf"},
		{"HTTP://cdn.example.com/a.pdf", "HTTP://cdn.example.com/a.pdf"},
		{"/view-external-bill?id=9", "https://portal.example.com/view-external-bill?id=9"},
		{"view-external-bill?id=9", "https://portal.example.com/billing/accounts/view-external-bill?id=9"},
	}
	for _, tt := range tests {
		if got := Absolute(page, tt.in); got != tt.want {
			t.Fatalf("Absolute(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
	if got := Absolute("::bad", "x.pdf"); got != "x.pdf" {
		t.Fatalf("Absolute(bad base) = %q; want %q", got, "x.pdf")
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("https://a.com/dir/page", "../bill?id=1"); got != "https://a.com/bill?id=1" {
		t.Fatalf("Resolve() = %q", got)
	}
	if got := Resolve("https://a.com/dir/page", "  "); got != "" {
		t.Fatalf("Resolve(blank) = %q; want empty", got)
	}
}
