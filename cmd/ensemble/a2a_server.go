package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ensemble/internal/a2a"
)

func buildA2AServerCmd() *cobra.Command {
	var flags sessionFlags
	var (
		host    string
		port    int
		baseURL string
	)

	cmd := &cobra.Command{
		Use:   "a2a-server",
		Short: "Serve local agents over the agent-to-agent protocol",
		Long: `Expose the configured agents to other processes: POST /<agent-name>
runs a task and streams events back as SSE; GET /agents lists agent cards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runA2AServer(cmd.Context(), flags, host, port, baseURL)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Listen address")
	cmd.Flags().IntVar(&port, "port", a2a.DefaultPort, "Listen port")
	cmd.Flags().StringVar(&baseURL, "base-url", "",
		"Advertised base URL (default: http://<host>:<port>)")
	return cmd
}

func runA2AServer(ctx context.Context, flags sessionFlags, host string, port int, baseURL string) error {
	s, err := newSession(ctx, flags)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	srv := a2a.NewServer(a2a.ServerConfig{
		Manager: s.manager,
		Engine:  s.engine,
		Metrics: s.metrics,
		Logger:  s.logger,
	})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s", addr)
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	s.logger.Info("a2a server listening", "addr", addr, "base_url", baseURL,
		"agents", s.manager.Names())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
