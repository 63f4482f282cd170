package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/fetchcache"
	"github.com/unkn0wn-root/fetchcache/metrics/prom"
)

func (c *CLI) watchCommand() *cobra.Command {
	var (
		interval    time.Duration
		count       int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Fetch a URL on an interval; cached copies are reused until they expire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			ctx := cmd.Context()
			url := args[0]

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			metrics := prom.New(reg, "fetchcache", "", nil)

			if metricsAddr != "" {
				stop, err := c.serveMetrics(ctx, metricsAddr, reg)
				if err != nil {
					return err
				}
				defer stop()
			}

			client, err := c.newClient(ctx, metrics)
			if err != nil {
				return err
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for n := 1; count <= 0 || n <= count; n++ {
				if err := c.watchOnce(ctx, client, url, n); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					c.log.Error("watch fetch failed", fetchcache.Fields{"key": url, "err": err})
					fmt.Fprintf(c.out, "#%d error: %v\n", n, err)
				}
				if count > 0 && n == count {
					break
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 10*time.Second, "time between fetches")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after n fetches (0 = until interrupted)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func (c *CLI) watchOnce(ctx context.Context, client *fetchcache.Client, url string, n int) error {
	q, err := fetchcache.New(ctx, client, fetchDocument(c.HTTP, url), queryOptions(c.cfg.Fetch, url))
	if err != nil {
		return err
	}
	defer q.Close()
	cached := q.State().IsSuccess()

	res, err := q.Wait(ctx)
	if err != nil {
		return err
	}
	if res.IsError() {
		return res.Err
	}
	c.printSummaryLine(n, summary{
		URL:       res.Data.URL,
		Status:    res.Data.Status,
		Bytes:     len(res.Data.Body),
		FetchedAt: res.Data.FetchedAt.Format(time.RFC3339),
		Cached:    cached,
	}, res.RetryAttempt)
	return nil
}

func (c *CLI) serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("metrics server stopped", fetchcache.Fields{"err": err})
		}
	}()
	c.log.Info("serving metrics", fetchcache.Fields{"addr": ln.Addr().String()})

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}, nil
}

func (c *CLI) printSummaryLine(n int, s summary, attempt int) {
	state := "fetched"
	if s.Cached {
		state = "cached"
	}
	fmt.Fprintf(c.out, "#%d %s status=%d bytes=%d fetchedAt=%s retries=%d\n", n, state, s.Status, s.Bytes, s.FetchedAt, attempt)
}
