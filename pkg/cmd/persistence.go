package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/acadio/automation/pkg/persistence"
	"github.com/acadio/automation/pkg/persistence/file"
	"github.com/acadio/automation/pkg/persistence/postgresql"
)

// NewPersistence creates a store from the database URL scheme. postgres is
// the production backend; anything else is treated as a directory path for
// the file backend.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to connect to postgres: %w", err))
		}

		return p
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}
