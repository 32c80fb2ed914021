package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"inbox-gateway/internal/alias"
	"inbox-gateway/internal/cache"
	"inbox-gateway/internal/config"
	"inbox-gateway/internal/inbox"
	"inbox-gateway/internal/logging"
	"inbox-gateway/internal/server"
	"inbox-gateway/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "inbox-gateway",
	Short: "Multi-tenant IMAP inbox aggregation gateway",
	Long: `inbox-gateway exposes catch-all domains and provider alias inboxes
(gmail plus/dot tricks, outlook plus addressing) behind a uniform HTTP API.
It keeps rate-limited IMAP connections warm, listens for new mail over IDLE,
and serves aggregated, cached views per recipient address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Setup(cfg.Logging.Level)
	log := logging.WithComponent("main")

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return fmt.Errorf("failed to build account registry: %w", err)
	}

	engine := alias.NewEngine(registry, cfg.CatchAllDomains(), cfg.CatchAll.Backend)
	caches := cache.New(cache.DefaultConfig())
	core := inbox.New(registry, engine, caches, cfg.InboxConfig(registry.Len()))
	core.StartListeners()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	router := server.NewRouter(server.Options{
		Core:            core,
		DB:              db,
		CatchAllBackend: cfg.CatchAll.Backend,
		CatchAllDomains: cfg.CatchAllDomains(),
		APIToken:        cfg.Auth.APIToken,
	})

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: router,

		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Int("accounts", registry.Len()).
		Strs("catchAllDomains", cfg.CatchAllDomains()).
		Str("profile", cfg.Profile).
		Msg("gateway configured")

	return server.HandleSignals(srv, 10*time.Second, core.Shutdown)
}
