package cmd

import (
	"context"

	"go.uber.org/zap"

	"github.com/fixbench/fixbench/internal/observability"
)

// Execute runs the command tree under the given context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		return err
	}
	return nil
}
