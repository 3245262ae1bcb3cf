package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/conductor/internal/config"
	"github.com/felixgeelhaar/conductor/internal/observe"
	"github.com/felixgeelhaar/conductor/internal/server"
	"github.com/felixgeelhaar/conductor/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	jsonLogs   bool
	listenAddr string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Pattern-based browser automation coordinator",
	Long: `Conductor routes automation commands to connected browser extensions
and learns reusable automation patterns from single user demonstrations.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.AddCommand(serveCmd)
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml or .json)")
	serveCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
}

func runServer() {
	var obs *observe.Observer
	if jsonLogs {
		obs = observe.NewJSON(os.Stdout, verbose)
	} else {
		obs = observe.New(os.Stdout, verbose)
	}
	defer obs.Close()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			obs.Log().Fatal().Err(err).Msg("Failed to load config")
		}
		cfg = loaded
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	storeLayer, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init store")
	}
	defer storeLayer.Close()

	srv := server.New(cfg, obs, storeLayer)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			obs.Log().Error().Err(err).Msg("Shutdown failed")
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Log().Error().Err(err).Msg("Server stopped")
	}
}
