// Package backend builds a storage.Lister from a backend type and its JSON
// configuration.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/storage"
	"github.com/fruitsalade/nsmirror/internal/storage/local"
	"github.com/fruitsalade/nsmirror/internal/storage/postgres"
	s3lister "github.com/fruitsalade/nsmirror/internal/storage/s3"
)

// New creates a Lister from a backend type string and JSON config.
func New(_ context.Context, backendType string, config json.RawMessage, logger *zap.Logger) (storage.Lister, error) {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	switch backendType {
	case "local":
		return local.NewFromJSON(config, logger)
	case "s3":
		return s3lister.NewFromJSON(config, logger)
	case "postgres":
		return postgres.NewFromJSON(config, logger)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
