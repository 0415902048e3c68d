package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"calcodec/internal/ics"
	"calcodec/internal/lifecycle"
	appLog "calcodec/internal/log"
	"calcodec/internal/web"
)

func inputFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "input file (default stdin)"}
}

func normalizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "normalize",
		Usage: "Repair raw iCalendar text and print it.",
		Flags: []cli.Flag{inputFlag()},
		Action: func(c *cli.Context) error {
			raw, err := readInput(c, c.String("in"))
			if err != nil {
				return err
			}
			out, rules := ics.NormalizeReport(raw)
			if len(rules) > 0 {
				appLog.Info("normalize applied rules", "rules", strings.Join(rules, ","))
			}
			_, err = fmt.Fprint(c.App.Writer, out)
			return err
		},
	}
}

type parsedEvent struct {
	UID       string   `json:"uid"`
	Summary   string   `json:"summary"`
	Status    string   `json:"status,omitempty"`
	Sequence  int      `json:"sequence"`
	Start     string   `json:"start,omitempty"`
	RRule     string   `json:"rrule,omitempty"`
	Organizer string   `json:"organizer,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
}

type parseOutput struct {
	Method      string        `json:"method,omitempty"`
	ProdID      string        `json:"prodid,omitempty"`
	Events      []parsedEvent `json:"events"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
}

func parseCommand() *cli.Command {
	return &cli.Command{
		Name:  "parse",
		Usage: "Parse iCalendar text and print a JSON summary.",
		Flags: []cli.Flag{
			inputFlag(),
			&cli.BoolFlag{Name: "serialize", Usage: "print the re-serialized document instead"},
		},
		Action: func(c *cli.Context) error {
			raw, err := readInput(c, c.String("in"))
			if err != nil {
				return err
			}
			cal, diags := ics.Parse(ics.Normalize(raw))
			if c.Bool("serialize") {
				_, err := fmt.Fprint(c.App.Writer, ics.Serialize(cal))
				return err
			}

			out := parseOutput{Method: string(cal.Method()), ProdID: cal.Get("PRODID"), Events: []parsedEvent{}}
			for _, ev := range cal.Events {
				pe := parsedEvent{
					UID:      ev.UID,
					Summary:  ev.Summary,
					Status:   string(ev.Status),
					Sequence: ev.Sequence,
					RRule:    ev.RRule,
				}
				if !ev.Start.IsZero() {
					pe.Start = ev.Start.Time.Format(time.RFC3339)
				}
				if ev.Organizer != nil {
					pe.Organizer = ev.Organizer.Email
				}
				for _, a := range ev.Attendees {
					pe.Attendees = append(pe.Attendees, a.Email)
				}
				out.Events = append(out.Events, pe)
			}
			for _, d := range diags {
				out.Diagnostics = append(out.Diagnostics, d.String())
			}
			return writeJSON(c, out)
		},
	}
}

func inviteCommand() *cli.Command {
	return &cli.Command{
		Name:  "invite",
		Usage: "Schedule or update an event from YAML/JSON event data and deliver the REQUEST.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "event data file (default stdin)"},
			&cli.BoolFlag{Name: "update", Usage: "fail unless the event already exists"},
		},
		Action: func(c *cli.Context) error {
			data, err := readEventData(c, c.String("data"))
			if err != nil {
				return err
			}
			svc, err := envFrom(c).service()
			if err != nil {
				return err
			}
			op := svc.Schedule
			if c.Bool("update") {
				op = svc.Update
			}
			out, err := op(c.Context, data)
			return printOutcome(c, out, err)
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Cancel an event and deliver the CANCEL document.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "event data file (default stdin)"},
			&cli.StringFlag{Name: "raw", Usage: "last document sent to attendees (default: stored document)"},
		},
		Action: func(c *cli.Context) error {
			data, err := readEventData(c, c.String("data"))
			if err != nil {
				return err
			}
			var raw string
			if name := c.String("raw"); name != "" {
				if raw, err = readInput(c, name); err != nil {
					return err
				}
			}
			svc, err := envFrom(c).service()
			if err != nil {
				return err
			}
			out, err := svc.Cancel(c.Context, data, raw)
			return printOutcome(c, out, err)
		},
	}
}

func printOutcome(c *cli.Context, out *lifecycle.Outcome, err error) error {
	if out == nil {
		return err
	}
	if _, werr := fmt.Fprint(c.App.Writer, out.Document); werr != nil {
		return werr
	}
	for _, d := range out.Diagnostics {
		appLog.Warn("diagnostic", "uid", out.UID, "detail", d.String())
	}
	// A failed delivery still produced and stored the document.
	if errors.Is(err, lifecycle.ErrDelivery) {
		appLog.Warn("document stored but not delivered", "uid", out.UID)
	}
	return err
}

func uidCommand() *cli.Command {
	return &cli.Command{
		Name:  "uid",
		Usage: "Generate, resolve and map event UIDs.",
		Subcommands: []*cli.Command{
			{
				Name:  "new",
				Usage: "Print a fresh UID.",
				Action: func(c *cli.Context) error {
					e := envFrom(c)
					if err := e.open(); err != nil {
						return err
					}
					_, err := fmt.Fprintln(c.App.Writer, e.registry.GenerateUID())
					return err
				},
			},
			{
				Name:  "resolve",
				Usage: "Print the permanent UID of an internal id, binding one if needed.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "provided"},
					&cli.StringFlag{Name: "raw", Usage: "raw document file"},
				},
				Action: func(c *cli.Context) error {
					var raw string
					if name := c.String("raw"); name != "" {
						var err error
						if raw, err = readInput(c, name); err != nil {
							return err
						}
					}
					e := envFrom(c)
					if err := e.open(); err != nil {
						return err
					}
					u, err := e.registry.ResolveUID(c.Context, c.String("id"), c.String("provided"), raw)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, u)
					return err
				},
			},
			{
				Name:  "map",
				Usage: "Record that a foreign UID refers to an internal UID.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "external", Required: true},
					&cli.StringFlag{Name: "internal", Required: true},
				},
				Action: func(c *cli.Context) error {
					e := envFrom(c)
					if err := e.open(); err != nil {
						return err
					}
					return e.registry.RegisterExternalMapping(c.Context, c.String("external"), c.String("internal"))
				},
			},
			{
				Name:      "lookup",
				Usage:     "Print the internal UID for a foreign UID.",
				ArgsUsage: "<external-uid>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					e := envFrom(c)
					if err := e.open(); err != nil {
						return err
					}
					_, err := fmt.Fprintln(c.App.Writer, e.registry.LookupInternalUID(c.Context, c.Args().First()))
					return err
				},
			},
		},
	}
}

func feedsCommand() *cli.Command {
	return &cli.Command{
		Name:  "feeds",
		Usage: "Fetch configured feeds once and map their UIDs.",
		Action: func(c *cli.Context) error {
			e := envFrom(c)
			r, err := e.reconciler()
			if err != nil {
				return err
			}
			reports, err := r.Run(c.Context, e.conf.Feeds)
			if werr := writeJSON(c, reports); werr != nil {
				return werr
			}
			return err
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the periodic snapshot and feed reconciliation jobs until interrupted.",
		Action: func(c *cli.Context) error {
			e := envFrom(c)
			r, err := e.reconciler()
			if err != nil {
				return err
			}
			appLog.Info("calcodec starting", "version", version, "database", e.conf.Database, "feeds", len(e.conf.Feeds), "schedule", e.conf.SnapshotCron)

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					appLog.Info("signal received, shutting down", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			job := func() {
				if len(e.conf.Feeds) > 0 {
					if _, err := r.Run(ctx, e.conf.Feeds); err != nil {
						appLog.Error("feed reconciliation incomplete", err)
					}
				}
				snapshot(ctx, e)
			}

			sched := cron.New()
			if _, err := sched.AddFunc(e.conf.SnapshotCron, job); err != nil {
				return fmt.Errorf("invalid snapshot_cron %q: %w", e.conf.SnapshotCron, err)
			}
			sched.Start()
			job()

			webDone := make(chan error, 1)
			if e.conf.Listen != "" {
				go func() {
					webDone <- web.NewServer(e.conf, e.registry, e.store).Serve(ctx)
				}()
			} else {
				webDone <- nil
			}

			var webErr error
			select {
			case <-ctx.Done():
				webErr = <-webDone
			case webErr = <-webDone:
				if webErr != nil {
					appLog.Error("status api stopped", webErr, "listen", e.conf.Listen)
				}
				<-ctx.Done()
			}
			<-sched.Stop().Done()
			if webErr != nil {
				return webErr
			}
			appLog.Info("calcodec exiting")
			return nil
		},
	}
}

func snapshot(ctx context.Context, e *env) {
	stats := e.registry.Stats()
	counts, err := e.store.EventCounts(ctx)
	if err != nil {
		appLog.Error("snapshot event counts failed", err)
	}
	appLog.Info("registry snapshot",
		"bindings", stats.Bindings,
		"external_mappings", stats.ExternalMappings,
		"assigned", stats.Assigned,
		"conflicts", stats.Conflicts,
		"events", fmt.Sprint(counts),
	)
}

func writeJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
