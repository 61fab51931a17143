package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/example/bws-scheduler/internal/bilibili"
)

func newLoginCmd() *cobra.Command {
	var cookie string

	c := &cobra.Command{
		Use:   "login",
		Short: "Validate a browser cookie string and store it in the encrypted cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			client, err := bilibili.New(cookie, cfg.RequestTimeout, log)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if !client.ValidateCookie(ctx) {
				log.Warn("cookie did not authenticate, caching it anyway")
			}
			cache, err := newCredCache(cfg)
			if err != nil {
				return err
			}
			if err := cache.Save(cookie); err != nil {
				return err
			}
			log.Info("credentials cached")
			return nil
		},
	}

	c.Flags().StringVar(&cookie, "cookie", "", "browser cookie string (must include bili_jct)")
	_ = c.MarkFlagRequired("cookie")

	c.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the cached credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			cache, err := newCredCache(cfg)
			if err != nil {
				return err
			}
			return cache.Clear()
		},
	})

	return c
}
