package display

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// OutputFormat selects how command results are written
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ColorMode controls terminal colors
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// Config holds the output options of the CLI
type Config struct {
	Format OutputFormat `mapstructure:"format" yaml:"format"`
	Theme  string       `mapstructure:"theme" yaml:"theme"`
	Color  ColorMode    `mapstructure:"color" yaml:"color"`
	Icons  bool         `mapstructure:"icons" yaml:"icons"`
	Quiet  bool         `mapstructure:"quiet" yaml:"quiet"`

	// MaxTableWidth caps table width; 0 uses the terminal width
	MaxTableWidth int `mapstructure:"max_table_width" yaml:"max_table_width"`

	Writer    io.Writer `mapstructure:"-" yaml:"-"`
	ErrWriter io.Writer `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns table output with automatic color detection
func DefaultConfig() *Config {
	return &Config{
		Format:    FormatTable,
		Theme:     ThemeDark,
		Color:     ColorAuto,
		Icons:     true,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Format == "" {
		c.Format = FormatTable
	}
	if c.Theme == "" {
		c.Theme = ThemeDark
	}
	if c.Color == "" {
		c.Color = ColorAuto
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
	if c.ErrWriter == nil {
		c.ErrWriter = os.Stderr
	}
}

// Validate rejects unknown formats, themes and color modes
func (c *Config) Validate() error {
	var problems []string

	switch c.Format {
	case FormatTable, FormatJSON, FormatYAML:
	default:
		problems = append(problems, fmt.Sprintf("invalid output format %q, must be one of: table, json, yaml", c.Format))
	}

	if _, ok := themes[c.Theme]; !ok {
		problems = append(problems, fmt.Sprintf("invalid theme %q, must be one of: %s", c.Theme, strings.Join(ThemeNames(), ", ")))
	}

	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		problems = append(problems, fmt.Sprintf("invalid color mode %q, must be one of: auto, always, never", c.Color))
	}

	if c.MaxTableWidth < 0 {
		problems = append(problems, "max table width cannot be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("display configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}
