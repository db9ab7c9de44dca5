package scope

import "testing"

func TestExcludesWinOverIncludes(t *testing.T) {
	f, err := New(
		[]Pattern{{Host: "*.example.com"}},
		[]Pattern{{Host: "admin.example.com"}},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Included("https", "admin.example.com", 443, "/") {
		t.Error("expected excluded host to be out of scope")
	}
	if !f.Included("https", "api.example.com", 443, "/") {
		t.Error("expected non-excluded included host to be in scope")
	}
}

func TestEmptyIncludesMeansIncludeEverything(t *testing.T) {
	f, err := New(nil, []Pattern{{Host: "blocked.example.com"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Included("https", "anything.else.com", 443, "/x") {
		t.Error("expected host to be in scope when includes is empty")
	}
	if f.Included("https", "blocked.example.com", 443, "/") {
		t.Error("expected excluded host to remain out of scope")
	}
}

func TestHostMatchIsCaseInsensitive(t *testing.T) {
	f, err := New([]Pattern{{Host: "API.Example.COM"}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Included("https", "api.example.com", 443, "/") {
		t.Error("expected case-insensitive host match")
	}
}

func TestPathMatchIsCaseSensitive(t *testing.T) {
	f, err := New([]Pattern{{Host: "*", Path: "/Admin/*"}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Included("https", "example.com", 443, "/Admin/users") {
		t.Error("expected exact-case path to match")
	}
	if f.Included("https", "example.com", 443, "/admin/users") {
		t.Error("expected differently-cased path to not match")
	}
}
