package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/example/bws-scheduler/internal/config"
	"github.com/example/bws-scheduler/internal/credcache"
	"github.com/example/bws-scheduler/internal/logging"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bwsched",
		Short: "Timed reservation runner that books BWS online-park activity slots the moment they open",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newTimesyncCmd())
	root.AddCommand(newInfoCmd())
	root.AddCommand(newReserveCmd())
	root.AddCommand(newPoolCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (config.Config, *logrus.Entry, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logrus.NewEntry(logging.Setup(cfg.LogLevel, cfg.LogFile))
	return cfg, log, nil
}

func newCredCache(cfg config.Config) (*credcache.Cache, error) {
	if len(cfg.CacheHashKey) > 0 || len(cfg.CacheBlockKey) > 0 {
		return credcache.New(cfg.CookieCachePath, cfg.CacheHashKey, cfg.CacheBlockKey)
	}
	if cfg.CachePassphrase != "" {
		return credcache.NewWithPassphrase(cfg.CookieCachePath, cfg.CachePassphrase)
	}
	return nil, fmt.Errorf("set BWS_CACHE_HASH_KEY and BWS_CACHE_BLOCK_KEY (see the keys command) or BWS_CACHE_PASSPHRASE")
}

// resolveCookie prefers the --cookie flag, then falls back to the encrypted
// cache. Flag-provided cookies are cached for the next run.
func resolveCookie(cfg config.Config, flagValue string, log *logrus.Entry) (string, error) {
	cache, cacheErr := newCredCache(cfg)
	if flagValue != "" {
		if cacheErr == nil {
			if err := cache.Save(flagValue); err != nil {
				log.WithError(err).Warn("caching cookie failed")
			}
		}
		return flagValue, nil
	}
	if cacheErr != nil {
		return "", fmt.Errorf("no --cookie given and the credential cache is unavailable: %w", cacheErr)
	}
	cookie, err := cache.Load()
	if err != nil {
		return "", fmt.Errorf("no --cookie given: %w", err)
	}
	log.Info("using cached credentials")
	return cookie, nil
}
