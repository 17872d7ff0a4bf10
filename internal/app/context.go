package app

import (
	"context"
	"errors"
	"fmt"

	"jalon/internal/config"
	"jalon/internal/repo"
)

const defaultPipelineID = "default"

// ResolveConfig returns the pipeline config stored in the DB, seeding
// the default one on first use.
func ResolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetPipelineConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default(defaultPipelineID)
	if err := r.UpsertPipelineConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed pipeline config: %w", err)
	}
	return seed, nil
}
