package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/bws-scheduler/internal/bilibili"
)

func newInfoCmd() *cobra.Command {
	var (
		cookie string
		dates  []string
	)

	c := &cobra.Command{
		Use:   "info",
		Short: "List the account's tickets and reservable activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			cookieStr, err := resolveCookie(cfg, cookie, log)
			if err != nil {
				return err
			}
			client, err := bilibili.New(cookieStr, cfg.RequestTimeout, log)
			if err != nil {
				return err
			}

			cat, err := client.ReservationInfo(context.Background(), strings.Join(dates, ","))
			if err != nil {
				return err
			}
			printCatalog(cat)
			return nil
		},
	}

	c.Flags().StringVar(&cookie, "cookie", "", "browser cookie string (falls back to the cached one)")
	c.Flags().StringSliceVar(&dates, "date", nil, "restrict to these days (YYYYMMDD, repeatable)")
	return c
}

func printCatalog(cat *bilibili.Catalog) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "DAY\tTICKET\tSCREEN")
	for _, day := range cat.Days {
		t := cat.Tickets[day]
		fmt.Fprintf(w, "%s\t%s\t%s\n", day, t.SkuName, t.ScreenName)
	}
	fmt.Fprintln(w)

	acts := make([]bilibili.Activity, 0, len(cat.Activities))
	for _, a := range cat.Activities {
		acts = append(acts, a)
	}
	sort.Slice(acts, func(i, j int) bool {
		if acts[i].ReserveBeginTime != acts[j].ReserveBeginTime {
			return acts[i].ReserveBeginTime < acts[j].ReserveBeginTime
		}
		return acts[i].ReserveID < acts[j].ReserveID
	})

	fmt.Fprintln(w, "SLOT\tOPENS AT\tSTARTS AT\tTITLE")
	for _, a := range acts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			a.ReserveID,
			a.FireTime().Format(time.DateTime),
			a.StartTime().Format(time.DateTime),
			a.Title)
	}
	w.Flush()
}
