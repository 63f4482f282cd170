// Package cli implements the fetchcache command-line interface.
//
// The CLI fetches URLs through a fetchcache Query, so repeated requests within
// the cache duration are served from the configured store and failed requests
// are retried with backoff.
//
// # Commands
//
//   - get: fetch a URL once and print the body or a JSON summary
//   - watch: fetch a URL on an interval, optionally exposing Prometheus metrics
//   - config: print the resolved configuration
//
// Configuration is read from --config (TOML, YAML or JSON) and FETCHCACHE_*
// environment variables; see internal/config.
package cli

import (
	"context"
	"errors"
	"io"
	stdslog "log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/fetchcache"
	asynchook "github.com/unkn0wn-root/fetchcache/hooks/async"
	"github.com/unkn0wn-root/fetchcache/internal/config"
	"github.com/unkn0wn-root/fetchcache/sloghooks"
)

// CLI holds state shared by all commands.
type CLI struct {
	out    io.Writer // command output
	errOut io.Writer // logs and event traces

	configPath  string
	verbose     bool
	traceEvents bool

	cfg     *config.Config
	log     fetchcache.Logger
	closers []func() error

	// HTTP is used by fetching commands; tests may replace it.
	HTTP *http.Client
}

func New(out, errOut io.Writer) *CLI {
	return &CLI{out: out, errOut: errOut, log: fetchcache.NopLogger{}}
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:               "fetchcache",
		Short:             "Fetch URLs through a retrying, caching client",
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "config file (toml, yaml or json)")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.traceEvents, "trace-events", false, "log cache events to stderr")

	root.AddCommand(c.getCommand())
	root.AddCommand(c.watchCommand())
	root.AddCommand(c.configCommand())
	return root
}

func (c *CLI) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.verbose {
		cfg.Log.Level = "debug"
	}
	c.cfg = cfg

	l, closeLog, err := newLogger(cfg.Log, c.errOut)
	if err != nil {
		return err
	}
	c.log = l
	c.closers = append(c.closers, closeLog)

	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: cfg.Fetch.Timeout}
	}
	return nil
}

// Close releases everything the executed command opened: clients, stores,
// event tracers and log outputs, in reverse order.
func (c *CLI) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// newClient builds a fetchcache client over the configured store. extra hooks
// are fanned out together with the event tracer, if enabled.
func (c *CLI) newClient(ctx context.Context, extra ...fetchcache.Hooks) (*fetchcache.Client, error) {
	hooks := extra
	if c.traceEvents {
		tracer := asynchook.New(sloghooks.New(
			stdslog.New(stdslog.NewTextHandler(c.errOut, &stdslog.HandlerOptions{Level: stdslog.LevelDebug})),
			sloghooks.Options{Redact: func(k string) string { return k }},
		), 1, 1024)
		c.closers = append(c.closers, func() error { tracer.Close(); return nil })
		hooks = append(hooks, tracer)
	}
	h := fetchcache.MultiHooks(hooks...)

	store, err := newStore(ctx, c.cfg.Store, c.log, h)
	if err != nil {
		return nil, err
	}
	client := fetchcache.NewClient(fetchcache.ClientOptions{
		Store:  store,
		Logger: c.log,
		Hooks:  h,
	})
	c.closers = append(c.closers, func() error {
		return client.Close(context.WithoutCancel(ctx))
	})
	return client, nil
}
