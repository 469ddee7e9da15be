package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/Spatial-NVR/govrs/internal/catalog"
)

func catalogCommand() *cli.Command {
	dbFlag := &cli.StringFlag{
		Name:  "db",
		Usage: "Catalog database directory",
		Value: defaultCatalogDir(),
	}
	return &cli.Command{
		Name:  "catalog",
		Usage: "Maintain a registry of known recordings",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Catalog one or more recordings",
				ArgsUsage: "<file>...",
				Flags:     []cli.Flag{dbFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					service, closeDB, err := openCatalog(ctx, cmd.String("db"))
					if err != nil {
						return err
					}
					defer closeDB()
					for _, path := range cmd.Args().Slice() {
						recording, err := service.AddFile(ctx, path)
						if err != nil {
							return err
						}
						fmt.Printf("%s: %d streams, %d records\n",
							recording.FilePath, recording.StreamCount, recording.RecordCount)
					}
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List catalogued recordings",
				Flags: []cli.Flag{dbFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					service, closeDB, err := openCatalog(ctx, cmd.String("db"))
					if err != nil {
						return err
					}
					defer closeDB()
					recordings, total, err := service.List(ctx, catalog.ListOptions{})
					if err != nil {
						return err
					}
					for _, recording := range recordings {
						fmt.Printf("%s  [%.3f, %.3f]  %d streams  %d records  %d bytes\n",
							recording.FilePath, recording.StartTime, recording.EndTime,
							recording.StreamCount, recording.RecordCount, recording.FileSize)
					}
					fmt.Printf("%d recordings\n", total)
					return nil
				},
			},
			{
				Name:  "prune",
				Usage: "Drop entries whose files no longer exist",
				Flags: []cli.Flag{dbFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					service, closeDB, err := openCatalog(ctx, cmd.String("db"))
					if err != nil {
						return err
					}
					defer closeDB()
					removed, err := service.Prune(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("%d entries pruned\n", removed)
					return nil
				},
			},
			{
				Name:      "watch",
				Usage:     "Watch directories and catalog new recordings as they appear",
				ArgsUsage: "<dir>...",
				Flags:     []cli.Flag{dbFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() == 0 {
						return fmt.Errorf("expected at least one directory to watch")
					}
					service, closeDB, err := openCatalog(ctx, cmd.String("db"))
					if err != nil {
						return err
					}
					defer closeDB()
					watchCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer cancel()
					watcher := catalog.NewWatcher(service)
					err = watcher.Watch(watchCtx, cmd.Args().Slice())
					if watchCtx.Err() != nil {
						return nil // interrupted, clean exit
					}
					return err
				},
			},
		},
	}
}

func defaultCatalogDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.vrstool"
	}
	return "."
}

func openCatalog(ctx context.Context, dir string) (*catalog.Service, func(), error) {
	db, err := catalog.Open(catalog.DefaultConfig(dir))
	if err != nil {
		return nil, nil, err
	}
	repository := catalog.NewRepository(db)
	if err := repository.InitSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return catalog.NewService(repository), func() { db.Close() }, nil
}
