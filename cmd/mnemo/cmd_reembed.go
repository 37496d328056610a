package main

import (
	"errors"
	"fmt"

	"mnemo/internal/embedding"
	"mnemo/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// reembedCmd migrates the vector index to the configured provider
var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Rebuild the vector index with the configured embedding provider",
	Long: `Regenerates every stored entry's embedding with the currently
configured provider and model.

Required after switching to a provider whose vectors have a different
dimension; until then, commands that touch the vector index refuse to
start. The keyword index keeps working throughout.`,
	Args: noArgs,
	RunE: runReembed,
}

func runReembed(cmd *cobra.Command, args []string) error {
	if !cfg.Embedding.Available() {
		return errors.New("no embedding provider configured")
	}
	eng, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to build embedding engine: %w", err)
	}

	// Open the store without installing the engine: the whole point is
	// that the stored dimension may not match yet.
	st, err := store.Open(cfg.DatabasePath(), store.Options{
		RequireVec: cfg.Storage.RequireVec,
		Limits:     cfg.Limits,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("Store close failed", zap.Error(cerr))
		}
	}()

	ctx, cancel := signalContext(cmd, timeout)
	defer cancel()

	n, err := st.ReembedAll(ctx, eng)
	if err != nil {
		return fmt.Errorf("reembedded %d entr(ies) before failing: %w", n, err)
	}
	fmt.Printf("Reembedded %d entr(ies) with %s (%d dims)\n", n, eng.Name(), eng.Dimensions())
	return nil
}
