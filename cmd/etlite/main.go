// Command etlite is a scriptable extract/transform/load runner: mappings
// hold an extract query plus JavaScript transform and load scripts, runs are
// cron-scheduled, and failed records are tracked per day.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/etlite/etlite/internal/bus"
	"github.com/etlite/etlite/internal/config"
	"github.com/etlite/etlite/internal/crypto"
	"github.com/etlite/etlite/internal/dbconfig"
	"github.com/etlite/etlite/internal/engine"
	"github.com/etlite/etlite/internal/exitcodes"
	"github.com/etlite/etlite/internal/failure"
	"github.com/etlite/etlite/internal/logging"
	"github.com/etlite/etlite/internal/notify"
	"github.com/etlite/etlite/internal/pipeline"
	"github.com/etlite/etlite/internal/registry"
	"github.com/etlite/etlite/internal/scheduler"
	"github.com/etlite/etlite/internal/services"
	"github.com/etlite/etlite/internal/store"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "etlite",
		Usage:   "Scriptable SQL extract/transform/load runner",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"ETLITE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format (text, json)",
			},
		},
		Before: func(c *cli.Context) error {
			// .env is optional; real env vars win either way
			_ = godotenv.Load()

			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)
			logging.SetFormat(c.String("log-format"))
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			testMappingCommand(),
			mappingsCommand(),
			configCommand(),
			statusCommand(),
			failuresCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

// app holds every wired component for one command invocation.
type app struct {
	cfg      *config.Config
	store    *store.Store
	configs  *dbconfig.Store
	bus      *bus.Bus
	pipeline *pipeline.Pipeline
	sched    *scheduler.Scheduler
	registry *registry.Registry
}

func buildApp(c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.ETL.DataDir)
	if err != nil {
		return nil, err
	}

	cipher, err := crypto.New(cfg.ETL.EncryptionKey)
	if err != nil {
		st.Close()
		return nil, err
	}

	configs, err := dbconfig.NewStore(cfg.ETL.ConfigDocument, cipher)
	if err != nil {
		st.Close()
		return nil, err
	}

	b := bus.New()
	failure.NewRecorder(st).Attach(b)

	reg := services.NewRegistry()
	reg.Register("db-service", services.NewDBHandle(configs))

	p := pipeline.New(st, configs, engine.New(b), reg)
	if cfg.Slack.Enabled {
		p.SetNotifier(notify.New(&cfg.Slack))
	}

	sched := scheduler.New()
	mappings := registry.New(st, sched, p.Run)

	return &app{
		cfg:      cfg,
		store:    st,
		configs:  configs,
		bus:      b,
		pipeline: p,
		sched:    sched,
		registry: mappings,
	}, nil
}

func (a *app) Close() {
	a.sched.Shutdown()
	a.bus.Close()
	a.configs.Close()
	a.store.Close()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.Default()
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Schedule every mapping with a cron expression and run until interrupted",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.registry.ScheduleAll(); err != nil {
				return err
			}
			logging.Info("etlite %s serving, %d jobs scheduled", version, len(a.sched.ScheduledKeys()))

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logging.Info("shutting down")
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one mapping immediately",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Usage: "Source datasource name", Required: true},
			&cli.StringFlag{Name: "mapping", Usage: "Mapping name", Required: true},
			&cli.StringSliceFlag{Name: "param", Usage: "Extra script parameter (key=value, repeatable)"},
		},
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			params, err := parseParams(c.StringSlice("param"))
			if err != nil {
				return err
			}
			params[pipeline.ParamSource] = c.String("source")

			a.pipeline.Run(context.Background(), c.String("mapping"), params)
			return nil
		},
	}
}

func testMappingCommand() *cli.Command {
	return &cli.Command{
		Name:  "test-mapping",
		Usage: "Dry-run a mapping over a small sample and print the result",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "id", Usage: "Mapping ID", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.registry.TestRun(context.Background(), a.pipeline, c.Int64("id"))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

// mappingDoc is the import/export form of a mapping, matching the document
// format accepted by the config import command.
type mappingDoc struct {
	Name            string `json:"name"`
	Source          string `json:"source"`
	ExtractQuery    string `json:"query"`
	TransformScript string `json:"transformTemplate"`
	LoadScript      string `json:"loadTemplate"`
	CronExpression  string `json:"cronExpression"`
	FetchSize       int    `json:"fetchSize"`
	TestResultsSize int    `json:"testResultsSize"`
}

func mappingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "mappings",
		Usage: "Manage ETL mappings",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List mappings",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Usage: "Filter by source datasource"},
				},
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					mappings, err := listMappings(a, c.String("source"))
					if err != nil {
						return err
					}
					if len(mappings) == 0 {
						fmt.Println("No mappings configured.")
						return nil
					}
					fmt.Printf("%-5s %-25s %-15s %-20s %s\n", "ID", "NAME", "SOURCE", "CRON", "FETCH")
					for _, m := range mappings {
						fetch := m.FetchSize
						if fetch <= 0 {
							fetch = pipeline.DefaultFetchSize
						}
						fmt.Printf("%-5d %-25s %-15s %-20s %d\n", m.ID, m.Name, m.Source, m.CronExpression, fetch)
					}
					return nil
				},
			},
			{
				Name:  "import",
				Usage: "Create or update mappings from a JSON file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "JSON file with a mapping array", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					data, err := os.ReadFile(c.String("file"))
					if err != nil {
						return fmt.Errorf("reading %s: %w", c.String("file"), err)
					}
					var docs []mappingDoc
					if err := json.Unmarshal(data, &docs); err != nil {
						return fmt.Errorf("parsing %s: %w", c.String("file"), err)
					}

					for _, d := range docs {
						m := &store.Mapping{
							Name:            d.Name,
							Source:          d.Source,
							ExtractQuery:    d.ExtractQuery,
							TransformScript: d.TransformScript,
							LoadScript:      d.LoadScript,
							CronExpression:  d.CronExpression,
							FetchSize:       d.FetchSize,
							TestResultsSize: d.TestResultsSize,
						}
						if _, err := a.registry.SaveUpsert(m); err != nil {
							return fmt.Errorf("importing mapping %s: %w", d.Name, err)
						}
						logging.Info("imported mapping %s (source: %s)", d.Name, d.Source)
					}
					fmt.Printf("Imported %d mapping(s).\n", len(docs))
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Delete a mapping and unschedule its job",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "id", Usage: "Mapping ID", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					if err := a.registry.Delete(c.Int64("id")); err != nil {
						return err
					}
					fmt.Printf("Deleted mapping %d.\n", c.Int64("id"))
					return nil
				},
			},
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage datasource configurations",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show configured datasources (passwords omitted)",
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					configs := a.configs.List()
					if len(configs) == 0 {
						fmt.Println("No datasources configured.")
						return nil
					}
					fmt.Printf("%-20s %-12s %-40s %s\n", "NAME", "TYPE", "URL", "USER")
					for _, cfg := range configs {
						fmt.Printf("%-20s %-12s %-40s %s\n", cfg.Name, cfg.Type, cfg.URL, cfg.User)
					}
					if svc := a.configs.Services(); svc != "" {
						fmt.Printf("\nService bindings: %s\n", svc)
					}
					return nil
				},
			},
			{
				Name:  "import",
				Usage: "Replace the datasource document from a JSON file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "JSON datasource document", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					data, err := os.ReadFile(c.String("file"))
					if err != nil {
						return fmt.Errorf("reading %s: %w", c.String("file"), err)
					}
					var doc dbconfig.Document
					if err := json.Unmarshal(data, &doc); err != nil {
						return fmt.Errorf("parsing %s: %w", c.String("file"), err)
					}
					if err := a.configs.UpsertAll(doc.Databases, doc.Services); err != nil {
						return err
					}
					fmt.Printf("Imported %d datasource(s).\n", len(doc.Databases))
					return nil
				},
			},
			{
				Name:  "test",
				Usage: "Test connectivity to a datasource",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Datasource name", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					name := c.String("name")
					ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					if !a.configs.TestConnection(ctx, name) {
						return cli.Exit(fmt.Sprintf("connection to %s failed", name), exitcodes.ConnectionError)
					}
					fmt.Printf("Connection to %s OK.\n", name)
					return nil
				},
			},
			{
				Name:  "set-password",
				Usage: "Update a datasource password (prompted, never echoed)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Datasource name", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					cfg, err := a.configs.Get(c.String("name"))
					if err != nil {
						return err
					}

					fmt.Printf("Password for %s: ", cfg.Name)
					pw, err := term.ReadPassword(int(os.Stdin.Fd()))
					fmt.Println()
					if err != nil {
						return fmt.Errorf("reading password: %w", err)
					}

					cfg.Password = string(pw)
					if err := a.configs.UpsertAll([]dbconfig.Config{cfg}, a.configs.Services()); err != nil {
						return err
					}
					fmt.Printf("Password updated for %s.\n", cfg.Name)
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Delete one datasource, or all of them",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Datasource name"},
					&cli.BoolFlag{Name: "all", Usage: "Delete every datasource"},
				},
				Action: func(c *cli.Context) error {
					a, err := buildApp(c)
					if err != nil {
						return err
					}
					defer a.Close()

					if c.Bool("all") {
						if err := a.configs.DeleteAll(); err != nil {
							return err
						}
						fmt.Println("Deleted all datasources.")
						return nil
					}
					name := c.String("name")
					if name == "" {
						return fmt.Errorf("either --name or --all is required")
					}
					if err := a.configs.Delete(name); err != nil {
						return err
					}
					fmt.Printf("Deleted datasource %s.\n", name)
					return nil
				},
			},
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show every mapping with its schedule and last successful run",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			mappings, err := a.store.AllMappings()
			if err != nil {
				return err
			}
			if len(mappings) == 0 {
				fmt.Println("No mappings configured.")
				return nil
			}

			fmt.Printf("%-25s %-15s %-20s %-12s %s\n", "NAME", "SOURCE", "CRON", "LAST RUN", "NEXT FIRE")
			for _, m := range mappings {
				lastRun := "never"
				if last, err := a.store.LastSuccessfulRunOn(m.Source, m.Name); err == nil && last != nil {
					lastRun = last.Format("2006-01-02")
				}
				nextFire := "-"
				if m.CronExpression != "" {
					if at, err := a.sched.NextFireTime(m.CronExpression); err == nil {
						nextFire = at.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-25s %-15s %-20s %-12s %s\n", m.Name, m.Source, m.CronExpression, lastRun, nextFire)
			}
			return nil
		},
	}
}

func failuresCommand() *cli.Command {
	return &cli.Command{
		Name:  "failures",
		Usage: "Show failed records for a mapping",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Usage: "Source datasource name", Required: true},
			&cli.StringFlag{Name: "mapping", Usage: "Mapping name", Required: true},
			&cli.IntFlag{Name: "days", Value: 7, Usage: "How many days back to look"},
		},
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			end := time.Now()
			start := end.AddDate(0, 0, -c.Int("days"))
			failures, err := a.store.FailuresBetween(c.String("source"), c.String("mapping"), start, end)
			if err != nil {
				return err
			}
			if len(failures) == 0 {
				fmt.Println("No failures recorded.")
				return nil
			}
			fmt.Printf("%-12s %-15s %-20s %s\n", "DAY", "KEY", "VALUE", "MESSAGE")
			for _, f := range failures {
				fmt.Printf("%-12s %-15s %-20s %s\n",
					f.OccurredOn.Format("2006-01-02"), f.SourceKey, f.SourceValue, f.Message)
			}
			return nil
		},
	}
}

func listMappings(a *app, source string) ([]store.Mapping, error) {
	if source != "" {
		return a.store.MappingsBySource(source)
	}
	return a.store.AllMappings()
}

// parseParams turns repeated key=value flags into script params.
func parseParams(kvs []string) (map[string]any, error) {
	params := make(map[string]any, len(kvs)+1)
	for _, kv := range kvs {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
