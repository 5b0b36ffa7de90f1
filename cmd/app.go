package cmd

import (
	"context"

	"memvault/internal/application"
)

// newApp loads configuration and wires the application from the global flags
func newApp(ctx context.Context) (*application.Application, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dcfg, err := displayConfig()
	if err != nil {
		return nil, err
	}
	return application.New(ctx, application.Options{
		Config:    cfg,
		Display:   dcfg,
		Verbose:   verbose,
		Quiet:     quiet,
		AssumeYes: assumeYes,
	})
}
