package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"lojaedge/internal/edge"
)

type CacheCmd struct {
	flags *Flags

	all bool
}

func NewCacheCmd(flags *Flags) *CacheCmd {
	return &CacheCmd{flags: flags}
}

// Register adds the cache command group to the application
func (cmd *CacheCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "cache",
		Usage: "Inspect and clear cache generations",
		Commands: []*cli.Command{
			{
				Name:      "generations",
				Usage:     "List stored cache generations",
				UsageText: "lojaedge cache generations",
				Action:    cmd.runGenerations,
			},
			{
				Name:      "clear",
				Usage:     "Delete the current cache generation",
				UsageText: "lojaedge cache clear [--all]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "all",
						Usage:       "delete every generation, not only the current one",
						Destination: &cmd.all,
					},
				},
				Action: cmd.runClear,
			},
		},
	})
	return app
}

func (cmd *CacheCmd) open() (edge.Config, edge.CacheStorage, error) {
	cfg, err := edge.LoadConfig(cmd.flags.ConfigPath)
	if err != nil {
		return edge.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	storage, err := edge.OpenCacheStorage(cfg.Cache)
	if err != nil {
		return edge.Config{}, nil, fmt.Errorf("open cache storage: %w", err)
	}
	return cfg, storage, nil
}

func (cmd *CacheCmd) runGenerations(ctx context.Context, c *cli.Command) error {
	cfg, storage, err := cmd.open()
	if err != nil {
		return err
	}
	defer storage.Close()

	names, err := storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		marker := " "
		if name == cfg.Cache.Generation {
			marker = "*"
		}
		gen, err := storage.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("open generation %q: %w", name, err)
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return fmt.Errorf("list entries of %q: %w", name, err)
		}
		fmt.Fprintf(c.Root().Writer, "%s %s\t%d entries\n", marker, name, len(keys))
	}
	return nil
}

func (cmd *CacheCmd) runClear(ctx context.Context, c *cli.Command) error {
	cfg, storage, err := cmd.open()
	if err != nil {
		return err
	}
	defer storage.Close()

	targets := []string{cfg.Cache.Generation}
	if cmd.all {
		if targets, err = storage.Keys(ctx); err != nil {
			return fmt.Errorf("list generations: %w", err)
		}
	}
	for _, name := range targets {
		existed, err := storage.Delete(ctx, name)
		if err != nil {
			return fmt.Errorf("delete generation %q: %w", name, err)
		}
		if existed {
			fmt.Fprintf(c.Root().Writer, "deleted %s\n", name)
		}
	}
	return nil
}
