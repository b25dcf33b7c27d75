// Command-line tool for operating the fleet identity and history store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/app"
	"notecard_fleet/internal/config"
	"notecard_fleet/internal/logging"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "fleetctl - commands:")
	fmt.Fprintln(w, "  schema          - create tables in the configured backends")
	fmt.Fprintln(w, "  consume         - consume Notehub events from NATS until interrupted")
	fmt.Fprintln(w, "  replay          - feed a JSONL file of Notehub events through ingestion")
	fmt.Fprintln(w, "  checkin         - record that a hardware id reported under a serial number")
	fmt.Fprintln(w, "  resolve         - print the identity of a serial number or hardware id")
	fmt.Fprintln(w, "  merge           - fold one serial number's history into another")
	fmt.Fprintln(w, "  match           - map-match a journey and cache the route")
	fmt.Fprintln(w, "  delete-journey  - delete a journey and its location points")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  fleetctl schema [-config fleet.yaml] [-store sqlite -db fleet.db]")
	fmt.Fprintln(w, "  fleetctl consume [-nats-url nats://localhost:4222] [-nats-subject notehub.events]")
	fmt.Fprintln(w, "  fleetctl replay -input events.jsonl")
	fmt.Fprintln(w, "  fleetctl checkin -sn SN -device dev:xxx")
	fmt.Fprintln(w, "  fleetctl resolve -key SN|dev:xxx")
	fmt.Fprintln(w, "  fleetctl merge -source SN_OLD -target SN_NEW")
	fmt.Fprintln(w, "  fleetctl match -key SN -journey ID")
	fmt.Fprintln(w, "  fleetctl delete-journey -key SN -journey ID")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - Every command accepts the storage, logging and -config flags.")
	fmt.Fprintln(w, "  - Results are written to stdout as JSON; add -pretty to indent.")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	args := os.Args[2:]

	var err error
	switch cmd {
	case "schema":
		err = runSchema(args)
	case "consume":
		err = runConsume(args)
	case "replay":
		err = runReplay(args)
	case "checkin":
		err = runCheckIn(args)
	case "resolve":
		err = runResolve(args)
	case "merge":
		err = runMerge(args)
	case "match":
		err = runMatch(args)
	case "delete-journey":
		err = runDeleteJourney(args)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// command holds what every subcommand shares: configuration, flags and an
// output encoder.
type command struct {
	fs     *flag.FlagSet
	cfg    config.Config
	args   []string
	pretty *bool
	closer io.Closer
}

func newCommand(name string, args []string) (*command, error) {
	cfg, err := config.Load(config.PathFromArgs(args))
	if err != nil {
		return nil, err
	}
	c := &command{
		fs:   flag.NewFlagSet(name, flag.ExitOnError),
		cfg:  cfg,
		args: args,
	}
	c.fs.String("config", "", "YAML configuration file")
	c.pretty = c.fs.Bool("pretty", false, "Pretty-print JSON output")
	return c, nil
}

// open parses the flags, sets up logging and opens the app.
func (c *command) open(ctx context.Context) (*app.App, error) {
	c.cfg.RegisterFlags(c.fs)
	_ = c.fs.Parse(c.args)

	closer, err := logging.Setup(c.cfg.Log)
	if err != nil {
		return nil, err
	}
	c.closer = closer

	return app.Open(ctx, c.cfg, logrus.StandardLogger())
}

func (c *command) close(a *app.App) {
	if a != nil {
		_ = a.Close()
	}
	if c.closer != nil {
		_ = c.closer.Close()
	}
}

func (c *command) print(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if *c.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSchema(args []string) error {
	c, err := newCommand("schema", args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}

	if err := a.DB.CreateSchemas(ctx); err != nil {
		return err
	}
	logrus.WithField("backend", c.cfg.Storage.Backend).Info("Schema created.")
	return nil
}

func runConsume(args []string) error {
	c, err := newCommand("consume", args)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}
	return a.Consume(ctx)
}

func runReplay(args []string) error {
	c, err := newCommand("replay", args)
	if err != nil {
		return err
	}
	inPath := c.fs.String("input", "", "Input JSONL file (default: stdin)")

	ctx, stop := signalContext()
	defer stop()

	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	st, err := a.Replay(ctx, r)
	if err != nil {
		return err
	}
	return c.print(st)
}

func runCheckIn(args []string) error {
	c, err := newCommand("checkin", args)
	if err != nil {
		return err
	}
	sn := c.fs.String("sn", "", "Serial number")
	device := c.fs.String("device", "", "Hardware id (dev:...)")

	ctx := context.Background()
	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}

	res, err := a.Identity.HandleCheckIn(ctx, *sn, *device)
	if err != nil {
		return err
	}
	return c.print(res)
}

func runResolve(args []string) error {
	c, err := newCommand("resolve", args)
	if err != nil {
		return err
	}
	key := c.fs.String("key", "", "Serial number or hardware id")

	ctx := context.Background()
	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}

	id, err := a.Identity.Resolve(ctx, *key)
	if err != nil {
		return err
	}
	return c.print(id)
}

func runMerge(args []string) error {
	c, err := newCommand("merge", args)
	if err != nil {
		return err
	}
	source := c.fs.String("source", "", "Serial number to absorb")
	target := c.fs.String("target", "", "Serial number to keep")

	ctx := context.Background()
	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}

	res, err := a.Identity.MergeIdentities(ctx, *source, *target)
	if res != nil {
		if perr := c.print(res); perr != nil {
			return perr
		}
	}
	return err
}

func runMatch(args []string) error {
	c, err := newCommand("match", args)
	if err != nil {
		return err
	}
	key := c.fs.String("key", "", "Serial number or hardware id")
	journeyID := c.fs.Int64("journey", 0, "Journey id")

	ctx := context.Background()
	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}

	id, err := a.Identity.Resolve(ctx, *key)
	if err != nil {
		return err
	}
	res, err := a.Matcher.MatchJourney(ctx, id.AllIDs, *journeyID)
	if err != nil {
		return err
	}
	return c.print(res)
}

func runDeleteJourney(args []string) error {
	c, err := newCommand("delete-journey", args)
	if err != nil {
		return err
	}
	key := c.fs.String("key", "", "Serial number or hardware id")
	journeyID := c.fs.Int64("journey", 0, "Journey id")

	ctx := context.Background()
	a, err := c.open(ctx)
	defer c.close(a)
	if err != nil {
		return err
	}

	id, err := a.Identity.Resolve(ctx, *key)
	if err != nil {
		return err
	}
	res, err := a.Deleter.DeleteOwnedJourney(ctx, id.AllIDs, *journeyID)
	if err != nil {
		return err
	}
	return c.print(res)
}
