package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/herdsync/pkg/offline"
	"github.com/spf13/cobra"
)

var proxyListen string

var clientProxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Serve the app through the offline layer",
	Long: "Listen locally and forward to the sync server through the offline cache and write queue. " +
		"Connectivity is probed in the background and queued writes replay on reconnect.",
	Args: cobra.NoArgs,
	RunE: runClientProxy,
}

func init() {
	clientProxyCmd.Flags().StringVar(&proxyListen, "listen", "",
		"Listen address (overrides client.proxy_listen)")
}

func runClientProxy(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	c, cfg, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	addr := cfg.Client.ProxyListen
	if proxyListen != "" {
		addr = proxyListen
	}
	handler, err := offline.NewProxyHandler(c)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "connectivity", func(ctx context.Context) {
		if err := c.Run(ctx); err != nil {
			slog.Error("offline client stopped", "error", err)
		}
	})

	go func() {
		slog.Info("proxy starting",
			"address", addr,
			"upstream", cfg.Client.APIBaseURL,
			"device_id", c.DeviceID(),
		)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("proxy error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy shutdown error", "error", err)
	}
	wg.Wait()

	slog.Info("shutdown complete")
	return nil
}
