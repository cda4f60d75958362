package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/unicef/INVENT/internal/aadsync"
	"github.com/unicef/INVENT/internal/config"
	"github.com/unicef/INVENT/internal/directory"
	"github.com/unicef/INVENT/internal/logging"
	"github.com/unicef/INVENT/internal/userstore"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "aadsync",
		Usage:   "Synchronize Azure AD users into INVENT",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Writer:  out,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			statusCommand(),
			resetCursorCommand(),
			tokenCommand(),
			countriesCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"AADSYNC_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "store-dsn",
			Usage: "user store DSN (memory://, file://, sqlite://, postgres://)",
		},
		&cli.StringFlag{
			Name:  "queue-dsn",
			Usage: "job queue DSN (memory://, file://, postgres://)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "json or console",
		},
	}
}

// flagOverrides maps global flags that were set onto config keys.
func flagOverrides(c *cli.Context) map[string]any {
	keys := map[string]string{
		"store-dsn":  "store.dsn",
		"queue-dsn":  "queue.dsn",
		"log-level":  "log.level",
		"log-format": "log.format",
	}
	overrides := map[string]any{}
	for flag, key := range keys {
		if c.IsSet(flag) {
			overrides[key] = c.String(flag)
		}
	}
	return overrides
}

// environment is what every command shares: the loaded configuration, the
// logger and the user store.
type environment struct {
	loader *config.Loader
	cfg    config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
	store  userstore.Store
}

func loadEnvironment(c *cli.Context) (*environment, error) {
	loader := config.NewLoader(
		config.WithFile(c.String("config")),
		config.WithOverrides(flagOverrides(c)),
	)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	storeDSN, _, err := cfg.ResolveDSNs()
	if err != nil {
		return nil, err
	}
	store, err := userstore.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	return &environment{loader: loader, cfg: cfg, logger: logger, level: level, store: store}, nil
}

func (e *environment) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("close user store", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}

// buildSyncer wires the directory client to the store. The client secret
// reference is resolved here, once per process.
func (e *environment) buildSyncer(ctx context.Context, registry prometheus.Registerer, events *aadsync.Broker) (*aadsync.Syncer, error) {
	if err := e.cfg.ValidateDirectory(); err != nil {
		return nil, err
	}
	secret, err := directory.NewSecretResolver().Resolve(ctx, e.cfg.Azure.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("resolve azure client secret: %w", err)
	}
	httpClient := &http.Client{Timeout: e.cfg.Graph.Timeout}
	tokens, err := directory.NewClientCredentialsProvider(directory.ClientCredentialsOptions{
		TenantID:     e.cfg.Azure.TenantID,
		ClientID:     e.cfg.Azure.ClientID,
		ClientSecret: secret,
		TokenURL:     e.cfg.Azure.TokenURL,
		Resource:     e.cfg.Azure.Resource,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, err
	}
	client, err := directory.NewGraphClient(tokens, directory.GraphClientOptions{
		HTTPClient:        httpClient,
		RequestsPerSecond: e.cfg.Graph.RequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}
	var metrics *aadsync.Metrics
	if registry != nil {
		metrics = aadsync.NewMetrics(registry)
	}
	return aadsync.NewSyncer(client, tokens, e.store, aadsync.Options{
		InitialURL:      e.cfg.Graph.InitialURL,
		MaxRetries:      e.cfg.Sync.MaxRetries,
		BaseDelay:       e.cfg.Sync.BaseDelay,
		MaxDelay:        e.cfg.Sync.MaxDelay,
		AllowedDomains:  e.cfg.Sync.AllowedDomains,
		DefaultMaxUsers: e.cfg.Sync.MaxUsers,
		Logger:          e.logger,
		Metrics:         metrics,
		Events:          events,
	})
}

// command runs action with a loaded environment.
func command(action func(c *cli.Context, env *environment) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		env, err := loadEnvironment(c)
		if err != nil {
			return err
		}
		defer env.Close()
		return action(c, env)
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output format: text, json, yaml",
		Value:   "text",
	}
}

// render writes v as JSON or YAML, or calls text for the default format.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text", "table":
		return text(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.New("unsupported output format: " + format)
	}
}
