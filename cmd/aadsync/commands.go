package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/unicef/INVENT/internal/aadsync"
	"github.com/unicef/INVENT/internal/httpapi"
	"github.com/unicef/INVENT/internal/userstore"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultStatusRuns        = 5
	defaultTokenTTL          = time.Hour
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one directory sync in the foreground",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "max-users",
				Usage: "records to process before stopping (0 uses sync.max_users, negative means no cap)",
			},
			outputFlag(),
		},
		Action: command(func(c *cli.Context, env *environment) error {
			syncer, err := env.buildSyncer(c.Context, nil, nil)
			if err != nil {
				return err
			}
			report, runErr := syncer.Run(c.Context, aadsync.RunRequest{
				MaxUsers: c.Int("max-users"),
				Trigger:  aadsync.TriggerCLI,
			})
			if errors.Is(runErr, userstore.ErrLocked) {
				return runErr
			}
			if err := render(c.App.Writer, c.String("output"), report, func(w io.Writer) error {
				return writeReport(w, report)
			}); err != nil {
				return err
			}
			return runErr
		}),
	}
}

func writeReport(w io.Writer, report aadsync.Report) error {
	_, err := fmt.Fprintf(w,
		"run %s stopped: %s\npages: %d processed: %d\ncreated: %d updated: %d skipped: %d failed: %d\n",
		report.RunID, report.StopReason,
		report.Pages, report.Processed,
		len(report.Result.Created), len(report.Result.Updated), len(report.Result.Skipped), report.Result.Failed,
	)
	if err != nil {
		return err
	}
	for _, skipped := range report.Result.Skipped {
		label := skipped.Mail
		if label == "" {
			label = skipped.ID
		}
		if _, err := fmt.Fprintf(w, "  skipped %s: %s\n", label, skipped.Reason); err != nil {
			return err
		}
	}
	if report.Error != "" {
		_, err = fmt.Fprintf(w, "error: %s\n", report.Error)
	}
	return err
}

type statusView struct {
	Cursor *userstore.Cursor     `json:"cursor" yaml:"cursor"`
	Runs   []userstore.RunRecord `json:"runs" yaml:"runs"`
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the stored cursor and recent runs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "runs",
				Usage: "number of recent runs to show",
				Value: defaultStatusRuns,
			},
			outputFlag(),
		},
		Action: command(func(c *cli.Context, env *environment) error {
			var view statusView
			cursor, ok, err := env.store.LatestCursor(c.Context)
			if err != nil {
				return err
			}
			if ok {
				view.Cursor = &cursor
			}
			view.Runs, err = env.store.ListRuns(c.Context, c.Int("runs"))
			if err != nil {
				return err
			}
			return render(c.App.Writer, c.String("output"), view, func(w io.Writer) error {
				return writeStatus(w, view)
			})
		}),
	}
}

func writeStatus(w io.Writer, view statusView) error {
	if view.Cursor == nil {
		fmt.Fprintln(w, "cursor: none (next run is a full sync)")
	} else {
		fmt.Fprintf(w, "cursor: %s saved %s\n", view.Cursor.Kind, view.Cursor.CreatedAt.Format(time.RFC3339))
	}
	if len(view.Runs) == 0 {
		_, err := fmt.Fprintln(w, "runs: none")
		return err
	}
	fmt.Fprintln(w, "runs:")
	for _, run := range view.Runs {
		if _, err := fmt.Fprintf(w, "  %s  %-9s %-17s created=%d updated=%d skipped=%d failed=%d\n",
			run.StartedAt.Format(time.RFC3339), run.Trigger, run.StopReason,
			run.Created, run.Updated, run.Skipped, run.Failed,
		); err != nil {
			return err
		}
	}
	return nil
}

func resetCursorCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset-cursor",
		Usage: "Forget the stored cursor so the next run is a full sync",
		Action: command(func(c *cli.Context, env *environment) error {
			if err := env.store.DeleteCursors(c.Context); err != nil {
				return err
			}
			_, err := fmt.Fprintln(c.App.Writer, "cursor cleared")
			return err
		}),
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "subject",
				Usage:    "token subject",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "scope",
				Usage: "granted scope, repeatable",
				Value: cli.NewStringSlice(httpapi.ScopeTrigger, httpapi.ScopeRead),
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "token lifetime",
				Value: defaultTokenTTL,
			},
		},
		Action: command(func(c *cli.Context, env *environment) error {
			if err := env.cfg.ValidateServe(); err != nil {
				return err
			}
			token, err := httpapi.IssueToken(env.cfg.Auth.JWTSecret, c.String("subject"), c.StringSlice("scope"), c.Duration("ttl"), time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, token)
			return err
		}),
	}
}

func countriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "countries",
		Usage: "Manage the country reference list",
		Subcommands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "Load countries from a YAML or JSON list of {name, code}",
				ArgsUsage: "FILE",
				Action: command(func(c *cli.Context, env *environment) error {
					if c.NArg() != 1 {
						return errors.New("countries import needs exactly one file")
					}
					countries, err := readCountries(c.Args().First())
					if err != nil {
						return err
					}
					for _, country := range countries {
						if err := env.store.UpsertCountry(c.Context, country); err != nil {
							return fmt.Errorf("import country %q: %w", country.Name, err)
						}
					}
					_, err = fmt.Fprintf(c.App.Writer, "imported %d countries\n", len(countries))
					return err
				}),
			},
		},
	}
}

func readCountries(path string) ([]userstore.Country, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var countries []userstore.Country
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &countries)
	default:
		err = yaml.Unmarshal(data, &countries)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := countries[:0]
	for _, country := range countries {
		country.Name = strings.TrimSpace(country.Name)
		if country.Name == "" {
			continue
		}
		out = append(out, country)
	}
	return out, nil
}
