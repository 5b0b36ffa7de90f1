package display

import (
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Theme names
const (
	ThemeDark         = "dark"
	ThemeLight        = "light"
	ThemeHighContrast = "high-contrast"
	ThemePlain        = "plain"
)

// Theme maps message roles to terminal attributes
type Theme struct {
	Primary color.Attribute
	Success color.Attribute
	Warning color.Attribute
	Error   color.Attribute
	Info    color.Attribute
	Muted   color.Attribute
}

var themes = map[string]Theme{
	ThemeDark: {
		Primary: color.FgHiBlue,
		Success: color.FgHiGreen,
		Warning: color.FgHiYellow,
		Error:   color.FgHiRed,
		Info:    color.FgCyan,
		Muted:   color.FgWhite,
	},
	ThemeLight: {
		Primary: color.FgBlue,
		Success: color.FgGreen,
		Warning: color.FgYellow,
		Error:   color.FgRed,
		Info:    color.FgCyan,
		Muted:   color.FgMagenta,
	},
	ThemeHighContrast: {
		Primary: color.FgHiBlue,
		Success: color.FgHiGreen,
		Warning: color.FgHiYellow,
		Error:   color.FgHiRed,
		Info:    color.FgHiCyan,
		Muted:   color.FgHiWhite,
	},
	ThemePlain: {
		Primary: color.Reset,
		Success: color.Reset,
		Warning: color.Reset,
		Error:   color.Reset,
		Info:    color.Reset,
		Muted:   color.Reset,
	},
}

// ThemeNames lists the known themes
func ThemeNames() []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Role is the purpose of a piece of colored text
type Role int

const (
	RolePrimary Role = iota
	RoleSuccess
	RoleWarning
	RoleError
	RoleInfo
	RoleMuted
)

// Palette colors text by role. A disabled palette returns text unchanged.
type Palette struct {
	enabled bool
	colors  map[Role]*color.Color
}

// NewPalette builds a palette for theme. Colors are used only when mode and
// the writer allow it.
func NewPalette(theme string, mode ColorMode, w io.Writer) *Palette {
	t, ok := themes[theme]
	if !ok {
		t = themes[ThemeDark]
	}

	p := &Palette{
		enabled: colorEnabled(mode, w),
		colors: map[Role]*color.Color{
			RolePrimary: color.New(t.Primary),
			RoleSuccess: color.New(t.Success),
			RoleWarning: color.New(t.Warning),
			RoleError:   color.New(t.Error),
			RoleInfo:    color.New(t.Info),
			RoleMuted:   color.New(t.Muted),
		},
	}
	for _, c := range p.colors {
		if p.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// colorEnabled applies NO_COLOR, then the explicit mode, then terminal
// detection on w
func colorEnabled(mode ColorMode, w io.Writer) bool {
	switch mode {
	case ColorNever:
		return false
	case ColorAlways:
		return true
	}
	if termenv.EnvNoColor() || os.Getenv("TERM") == "dumb" {
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}

// Enabled reports whether the palette emits escape codes
func (p *Palette) Enabled() bool {
	return p.enabled
}

// Sprint colors text with role
func (p *Palette) Sprint(role Role, text string) string {
	if !p.enabled {
		return text
	}
	return p.colors[role].Sprint(text)
}
