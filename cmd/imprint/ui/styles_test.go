package ui

import (
	"strings"
	"testing"
)

func TestDetectTheme(t *testing.T) {
	t.Setenv("COLORFGBG", "")

	t.Setenv("IMPRINT_DARK_MODE", "1")
	dark := DetectTheme()
	if !dark.IsDark {
		t.Fatalf("expected dark theme when IMPRINT_DARK_MODE=1")
	}

	t.Setenv("IMPRINT_DARK_MODE", "")
	light := DetectTheme()
	if light.IsDark {
		t.Fatalf("expected light theme when IMPRINT_DARK_MODE is unset")
	}
}

func TestDetectThemeColorFGBG(t *testing.T) {
	t.Setenv("IMPRINT_DARK_MODE", "")

	t.Setenv("COLORFGBG", "15;0")
	if !DetectTheme().IsDark {
		t.Fatalf("expected dark theme for black background")
	}

	t.Setenv("COLORFGBG", "0;15")
	if DetectTheme().IsDark {
		t.Fatalf("expected light theme for white background")
	}
}

func TestRenderDivider(t *testing.T) {
	s := NewStyles(LightTheme())
	out := s.RenderDivider(0)
	if !strings.Contains(out, strings.Repeat("─", 40)) {
		t.Fatalf("expected 40-rune default divider, got %q", out)
	}
}
