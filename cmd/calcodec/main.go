package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"calcodec/internal/config"
	"calcodec/internal/delivery"
	"calcodec/internal/feed"
	"calcodec/internal/identity"
	"calcodec/internal/lifecycle"
	appLog "calcodec/internal/log"
	"calcodec/internal/model"
	"calcodec/internal/notify"
	"calcodec/internal/store/sqlite"
	"calcodec/internal/uid"
)

const version = "0.1.0"

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "calcodec",
		Usage:   "Build, repair and cancel iCalendar invitations with stable UIDs.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "./calcodec.yaml",
				Usage:   "path to config file",
				EnvVars: []string{"CALCODEC_CONFIG"},
			},
			&cli.StringFlag{Name: "log-level", Usage: "override log level"},
		},
		Before: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]any{"env": &env{conf: conf}}
			return nil
		},
		After: func(c *cli.Context) error {
			if e, ok := c.App.Metadata["env"].(*env); ok {
				return e.close()
			}
			return nil
		},
		Commands: []*cli.Command{
			normalizeCommand(),
			parseCommand(),
			inviteCommand(),
			cancelCommand(),
			uidCommand(),
			feedsCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("calcodec failed", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	conf, err := config.Load(path)
	if err != nil {
		if conf == nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		appLog.Warn("config not saved, using defaults", "config_path", path, "error", err.Error())
	}
	conf.ApplyEnv()
	if lvl := c.String("log-level"); lvl != "" {
		conf.LogLevel = lvl
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	return conf, nil
}

// env holds the collaborators shared by commands. The database is only
// opened by commands that need it.
type env struct {
	conf     *config.Config
	store    *sqlite.Storage
	registry *identity.Registry
	outbox   *delivery.Outbox
}

func envFrom(c *cli.Context) *env {
	return c.App.Metadata["env"].(*env)
}

func (e *env) open() error {
	if e.store != nil {
		return nil
	}
	st, err := sqlite.Open(e.conf.Database)
	if err != nil {
		return fmt.Errorf("open database %s: %w", e.conf.Database, err)
	}
	e.store = st
	e.registry = identity.New(st,
		identity.WithDocuments(st),
		identity.WithGenerator(uid.NewGenerator(e.conf.UIDDomain)),
		identity.WithNotifier(notify.LogNotifier{}),
	)
	e.outbox = delivery.NewOutbox(e.conf.OutboxDir)
	return nil
}

func (e *env) service() (*lifecycle.Service, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	return lifecycle.NewService(e.registry, e.store, e.outbox, notify.LogNotifier{}, lifecycle.Options{
		ProdID:  e.conf.ProdID,
		Rebuild: e.conf.CancelMode == config.CancelModeRebuild,
	}), nil
}

func (e *env) reconciler() (*feed.Reconciler, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	return &feed.Reconciler{
		Fetcher:   feed.NewFetcher(e.conf.FeedCacheDir, nil),
		Registry:  e.registry,
		OwnDomain: e.conf.UIDDomain,
	}, nil
}

func (e *env) close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// readInput reads the named file, or stdin for "" and "-".
func readInput(c *cli.Context, name string) (string, error) {
	if name == "" || name == "-" {
		data, err := io.ReadAll(c.App.Reader)
		return string(data), err
	}
	data, err := os.ReadFile(name)
	return string(data), err
}

// readEventData decodes event data from YAML or JSON.
func readEventData(c *cli.Context, name string) (model.EventData, error) {
	var data model.EventData
	text, err := readInput(c, name)
	if err != nil {
		return data, err
	}
	if strings.TrimSpace(text) == "" {
		return data, fmt.Errorf("no event data in %q", name)
	}
	if err := yaml.Unmarshal([]byte(text), &data); err != nil {
		return data, fmt.Errorf("decode event data: %w", err)
	}
	return data, nil
}
