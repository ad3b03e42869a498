package cmd

import (
	"context"

	"github.com/fixbench/fixbench/internal/config"
)

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// configFrom retrieves the loaded configuration stashed by the root command's
// PersistentPreRunE. Panics when a subcommand runs without it, which only
// happens if the command tree is miswired.
func configFrom(ctx context.Context) *config.Config {
	cfg, ok := ctx.Value(configKey{}).(*config.Config)
	if !ok {
		panic("configuration missing from command context")
	}
	return cfg
}
