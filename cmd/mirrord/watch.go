package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/model"
)

// deltaPrinter writes one line per changed entry.
type deltaPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *deltaPrinter) OnChange(updated, added, removed []model.Entry) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range removed {
		fmt.Fprintf(p.out, "%s %s\n", red("-"), describe(e))
	}
	for _, e := range updated {
		fmt.Fprintf(p.out, "%s %s\n", yellow("~"), describe(e))
	}
	for _, e := range added {
		fmt.Fprintf(p.out, "%s %s\n", green("+"), describe(e))
	}
}

func describe(e model.Entry) string {
	if e.IsDir {
		return color.New(color.FgBlue, color.Bold).Sprint(e.Path + "/")
	}
	return fmt.Sprintf("%s (%s)", e.Path, humanize.IBytes(uint64(e.Size)))
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "mirror the namespace and print every delta",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "initial",
				Usage: "also print the entries found at startup",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer logging.Sync()
			if c.Bool("initial") {
				cfg.Sync.EmitInitial = true
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := newStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.orch.Stop()

			st.orch.SetObserver(&deltaPrinter{out: os.Stdout})
			if err := st.orch.Start(ctx); err != nil {
				return err
			}
			logger.Info("watching", zap.String("root", cfg.NamespaceRoot), zap.Int("entries", st.mirror.Len()))

			select {
			case <-ctx.Done():
			case <-st.conn.Done():
				err = st.conn.Err()
			}
			if stopErr := st.orch.Stop(); stopErr != nil {
				logger.Warn("stop", zap.Error(stopErr))
			}
			return err
		},
	}
}
