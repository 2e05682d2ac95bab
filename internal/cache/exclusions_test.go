package cache

import "testing"

func TestExclusionExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4o-realtime"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !el.Matches("gpt-4o-realtime") {
		t.Fatal("exact rule did not match")
	}
	if el.Matches("gpt-4o") {
		t.Fatal("unrelated model matched")
	}
}

func TestExclusionPattern(t *testing.T) {
	el, err := NewExclusionList(nil, []string{"^ft:", ".*-preview$"})
	if err != nil {
		t.Fatal(err)
	}
	if !el.Matches("ft:gpt-4o-mini:acme") {
		t.Fatal("prefix pattern did not match")
	}
	if !el.Matches("o1-preview") {
		t.Fatal("suffix pattern did not match")
	}
	if el.Matches("gpt-4o") {
		t.Fatal("unrelated model matched")
	}
}

func TestExclusionInvalidPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{"("}); err == nil {
		t.Fatal("invalid pattern must fail construction")
	}
}

func TestNilExclusionList(t *testing.T) {
	var el *ExclusionList
	if el.Matches("anything") {
		t.Fatal("nil list must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil list Len must be 0")
	}
}
