// Package display renders command results as tables, JSON or YAML, with
// colored status lines for interactive terminals
package display

import (
	"fmt"
	"io"
	"strings"
)

// Printer writes results and status messages. Status messages go to the
// error writer so structured output on the main writer stays parseable.
type Printer struct {
	cfg     *Config
	palette *Palette
	unicode bool
}

// New creates a printer from cfg
func New(cfg *Config) *Printer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.SetDefaults()
	return &Printer{
		cfg:     cfg,
		palette: NewPalette(cfg.Theme, cfg.Color, cfg.Writer),
		unicode: unicodeSupported(),
	}
}

// Config returns the printer's configuration
func (p *Printer) Config() *Config {
	return p.cfg
}

// Structured reports whether results are emitted as JSON or YAML
func (p *Printer) Structured() bool {
	return p.cfg.Format == FormatJSON || p.cfg.Format == FormatYAML
}

// Render writes v in the structured format, or calls table for table output
func (p *Printer) Render(v interface{}, table func(w io.Writer)) error {
	if p.Structured() {
		return encodeStructured(p.cfg.Writer, p.cfg.Format, v)
	}
	table(p.cfg.Writer)
	return nil
}

// Icon renders a named or status icon, colored when the palette allows
func (p *Printer) Icon(name string) string {
	if !p.cfg.Icons {
		return ""
	}
	icon := iconFor(name)
	glyph := icon.ASCII
	if p.unicode {
		glyph = icon.Unicode
	}
	return p.palette.Sprint(icon.Role, glyph)
}

// Status renders a status value with its icon and color
func (p *Printer) Status(status string) string {
	icon := iconFor(status)
	text := p.palette.Sprint(icon.Role, status)
	if glyph := p.Icon(status); glyph != "" {
		return glyph + " " + text
	}
	return text
}

func (p *Printer) message(icon string, role Role, msg string) {
	if p.cfg.Quiet && role != RoleError {
		return
	}
	prefix := p.Icon(icon)
	if prefix != "" {
		prefix += " "
	}
	fmt.Fprintln(p.cfg.ErrWriter, prefix+p.palette.Sprint(role, msg))
}

// Success prints a success line
func (p *Printer) Success(msg string) { p.message("success", RoleSuccess, msg) }

// Warning prints a warning line
func (p *Printer) Warning(msg string) { p.message("warning", RoleWarning, msg) }

// Error prints an error line; errors are shown even in quiet mode
func (p *Printer) Error(msg string) { p.message("error", RoleError, msg) }

// Info prints an informational line
func (p *Printer) Info(msg string) { p.message("info", RoleInfo, msg) }

// Header prints an underlined title on the main writer in table mode
func (p *Printer) Header(title string) {
	if p.Structured() || p.cfg.Quiet {
		return
	}
	fmt.Fprintln(p.cfg.Writer, p.palette.Sprint(RolePrimary, title))
	fmt.Fprintln(p.cfg.Writer, p.palette.Sprint(RoleMuted, strings.Repeat("=", len([]rune(title)))))
}

// KeyValues prints aligned key/value pairs in table mode
func (p *Printer) KeyValues(w io.Writer, pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		fmt.Fprintf(w, "%-*s  %s\n", width+1, kv[0]+":", kv[1])
	}
}
