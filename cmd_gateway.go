package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/webterm/internal/config"
	"github.com/gluk-w/webterm/internal/gateway"
	"github.com/gluk-w/webterm/internal/logging"
	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve terminal channels and bridge them to SSH or Telnet hosts",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().String("listen", "", "Listen address (overrides WEBTERM_LISTEN_ADDR)")
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	if err := logging.Init(config.Cfg.LogPath, false); err != nil {
		log.Printf("WARNING: %v", err)
	}
	defer logging.Close()

	if config.Cfg.JWTSecret == "" && !config.Cfg.AuthDisabled {
		return fmt.Errorf("WEBTERM_JWT_SECRET is required unless WEBTERM_AUTH_DISABLED=true")
	}
	addr := config.Cfg.ListenAddr
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		addr = v
	}

	log.Printf("Config: AuthDisabled=%v, AllowedOrigins=%v, KnownHosts=%q",
		config.Cfg.AuthDisabled, config.Cfg.AllowedOrigins, config.Cfg.KnownHostsPath)

	gw, err := gateway.NewServer(gateway.OptionsFromConfig(config.Cfg))
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Gateway starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sigCtx.Done():
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Println("Gateway stopped")
	return nil
}
