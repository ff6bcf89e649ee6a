package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/mirror"
	"github.com/fruitsalade/nsmirror/internal/model"
	"github.com/fruitsalade/nsmirror/internal/storage"
)

// crawl lists root and every directory below it into m, breadth first.
// Directories that vanish mid-crawl are skipped.
func crawl(ctx context.Context, lister storage.Lister, m *mirror.Mirror, logger *zap.Logger) error {
	queue := []string{m.RootPath()}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		entries, err := lister.List(ctx, p)
		if err != nil {
			if p != m.RootPath() && errors.Is(err, storage.ErrNotFound) {
				logger.Debug("directory vanished during crawl", zap.String("path", p))
				continue
			}
			return fmt.Errorf("list %s: %w", p, err)
		}
		delta, err := m.Refresh(p, entries)
		if err != nil {
			return err
		}
		queue = append(queue, delta.Stale...)
	}
	return nil
}

// printTree writes the mirror as an indented tree.
func printTree(out io.Writer, m *mirror.Mirror) (dirs, files int, bytes uint64) {
	dirColor := color.New(color.FgBlue, color.Bold)
	rootDepth := strings.Count(strings.TrimSuffix(m.RootPath(), "/"), "/")
	for e := range m.Walk() {
		depth := strings.Count(e.Path, "/") - rootDepth
		if e.Path == m.RootPath() {
			dirColor.Fprintln(out, e.Path)
			continue
		}
		indent := strings.Repeat("  ", depth)
		if e.IsDir {
			dirs++
			fmt.Fprintf(out, "%s%s\n", indent, dirColor.Sprint(e.Name+"/"))
			continue
		}
		files++
		bytes += uint64(e.Size)
		fmt.Fprintf(out, "%s%s  %s\n", indent, e.Name, humanize.IBytes(uint64(e.Size)))
	}
	return dirs, files, bytes
}

func walkCommand() *cli.Command {
	return &cli.Command{
		Name:  "walk",
		Usage: "crawl the storage backend once and print the tree",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer logging.Sync()

			ctx := c.Context
			lister, err := newLister(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer lister.Close()
			if err := lister.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", lister.Type(), err)
			}

			m := mirror.New(model.CleanPath(cfg.NamespaceRoot), logger.Named("mirror"))
			if err := crawl(ctx, lister, m, logger); err != nil {
				return err
			}

			dirs, files, total := printTree(os.Stdout, m)
			fmt.Printf("\n%s directories, %s files, %s\n",
				humanize.Comma(int64(dirs)), humanize.Comma(int64(files)), humanize.IBytes(total))
			return nil
		},
	}
}
