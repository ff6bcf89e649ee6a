// mirrord keeps an in-memory mirror of a namespace subtree in step with a
// storage backend, driven by change notifications from a message broker.
//
// Commands:
//   - run:   mirror, serve the HTTP API and the SSE delta stream
//   - watch: mirror and print deltas to stdout
//   - walk:  crawl the backend once and print the tree
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/config"
	"github.com/fruitsalade/nsmirror/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "mirrord",
		Usage: "mirror a namespace subtree from change notifications",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"MIRROR_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "namespace root to mirror (overrides the configuration)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides the configuration)",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			watchCommand(),
			walkCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mirrord:", err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides and initializes
// logging.
func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	if root := c.String("root"); root != "" {
		cfg.NamespaceRoot = root
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, nil, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, logging.L(), nil
}
