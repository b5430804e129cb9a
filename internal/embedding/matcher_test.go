package embedding

import (
	"context"
	"testing"
)

func TestHasNegation(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"don't use tabs", true},
		{"never write global state", true},
		{"use spaces instead", true},
		{"always write tests", false},
		{"prefer composition", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasNegation(tt.text); got != tt.want {
			t.Errorf("HasNegation(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMatcherIsSimilar(t *testing.T) {
	ctx := context.Background()
	m := NewMatcher(NewLocalEngine(128, 100))

	similar, err := m.IsSimilar(ctx, "use python type hints", "python type hints please", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if !similar {
		t.Error("near-identical texts below threshold")
	}

	different, err := m.IsSimilar(ctx, "use python type hints", "bake the bread longer", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if different {
		t.Error("unrelated texts above threshold")
	}
}

func TestMatcherFindContradiction(t *testing.T) {
	ctx := context.Background()
	m := NewMatcher(NewLocalEngine(128, 100))

	existing := []string{
		"always use tabs for indentation",
		"write detailed commit messages",
	}

	idx, err := m.FindContradiction(ctx, "never use tabs for indentation", existing)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 {
		t.Errorf("contradiction index = %d, want 0", idx)
	}

	idx, err = m.FindContradiction(ctx, "add a changelog entry", existing)
	if err != nil {
		t.Fatal(err)
	}
	if idx != -1 {
		t.Errorf("unrelated statement flagged as contradiction of %d", idx)
	}
}

func TestMatcherClusterSimilar(t *testing.T) {
	ctx := context.Background()
	m := NewMatcher(NewLocalEngine(128, 100))

	texts := []string{
		"python backend code development",
		"python backend development code",
		"completely unrelated gardening topic",
	}

	clusters, err := m.ClusterSimilar(ctx, texts, 0.8)
	if err != nil {
		t.Fatal(err)
	}

	// The two python texts share a cluster; gardening stays alone.
	var sizes []int
	for _, c := range clusters {
		sizes = append(sizes, len(c))
	}
	if len(clusters) != 2 {
		t.Fatalf("cluster count = %d (%v), want 2", len(clusters), sizes)
	}

	found := false
	for _, c := range clusters {
		if len(c) == 2 {
			found = true
			has0, has1 := false, false
			for _, i := range c {
				if i == 0 {
					has0 = true
				}
				if i == 1 {
					has1 = true
				}
			}
			if !has0 || !has1 {
				t.Errorf("pair cluster = %v, want {0,1}", c)
			}
		}
	}
	if !found {
		t.Error("no pair cluster formed")
	}
}
