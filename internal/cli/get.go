package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/fetchcache"
)

type summary struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Bytes       int    `json:"bytes"`
	FetchedAt   string `json:"fetchedAt"`
	Cached      bool   `json:"cached"`
}

func (c *CLI) getCommand() *cobra.Command {
	var (
		asJSON  bool
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch a URL through the cache and print the body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			url := args[0]

			client, err := c.newClient(ctx)
			if err != nil {
				return err
			}
			if refresh {
				if err := client.Invalidate(ctx, url); err != nil {
					c.log.Warn("invalidate failed", fetchcache.Fields{"key": url, "err": err})
				}
			}

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

			doc := res.Data
			if !asJSON {
				_, err := c.out.Write(doc.Body)
				return err
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(summary{
				URL:         doc.URL,
				Status:      doc.Status,
				ContentType: doc.ContentType,
				Bytes:       len(doc.Body),
				FetchedAt:   doc.FetchedAt.Format(time.RFC3339),
				Cached:      cached,
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON summary instead of the body")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "drop any cached copy before fetching")
	return cmd
}
