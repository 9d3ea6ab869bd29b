package pkgspec

import "testing"

func TestParseNpm(t *testing.T) {
	s, err := Parse("lodash@^4.17.0", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindNpm || s.Name != "lodash" {
		t.Fatalf("got %+v", s)
	}
	if s.Requested == nil || s.Requested.Kind != ReqRange {
		t.Fatalf("expected range requested, got %+v", s.Requested)
	}
}

func TestParseScoped(t *testing.T) {
	s, err := Parse("@scope/name@1.0.0", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindNpm || s.Name != "@scope/name" || s.Scope != "scope" {
		t.Fatalf("got %+v", s)
	}
	if s.Requested == nil || s.Requested.Kind != ReqVersion {
		t.Fatalf("expected exact version, got %+v", s.Requested)
	}
}

func TestParseTag(t *testing.T) {
	s, err := Parse("foo@latest", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Requested == nil || s.Requested.Kind != ReqTag || s.Requested.Tag != "latest" {
		t.Fatalf("got %+v", s.Requested)
	}
}

func TestParseDirRelative(t *testing.T) {
	s, err := Parse("./vendor/foo", "/home/user/project")
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindDir || s.Path != "./vendor/foo" || s.From != "/home/user/project" {
		t.Fatalf("got %+v", s)
	}
}

func TestParseGitLong(t *testing.T) {
	s, err := Parse("git+https://github.com/user/repo#deadbeef", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindGit || s.Host != "github.com" || s.Owner != "user" || s.Repo != "repo" || s.Committish != "deadbeef" {
		t.Fatalf("got %+v", s)
	}
}

func TestParseAlias(t *testing.T) {
	s, err := Parse("other@npm:real@1.2.3", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindAlias || s.AliasName != "other" {
		t.Fatalf("got %+v", s)
	}
	under := s.Target()
	if under.Kind != KindNpm || under.Name != "real" {
		t.Fatalf("target got %+v", under)
	}
	if s.Key() != "other" {
		t.Fatalf("Key() = %q, want other", s.Key())
	}
}

func TestParseUNCPath(t *testing.T) {
	s, err := Parse(`\\server\share\pkg`, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindDir {
		t.Fatalf("got %+v", s)
	}
}

func TestParseWindowsDrivePath(t *testing.T) {
	s, err := Parse(`C:\Users\dev\pkg`, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindDir {
		t.Fatalf("got %+v", s)
	}
}

func TestRoundTripDisplay(t *testing.T) {
	for _, in := range []string{"lodash@^4.17.0", "@scope/name@1.0.0", "foo@latest"} {
		s, err := Parse(in, "")
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got := s.String(); got != in {
			t.Fatalf("String() = %q, want %q", got, in)
		}
	}
}

func TestParseEmptyIsError(t *testing.T) {
	if _, err := Parse("", ""); err == nil {
		t.Fatal("expected error for empty specifier")
	}
}
