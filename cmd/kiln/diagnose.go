package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/metrics"
)

var (
	watchInterval    time.Duration
	watchMetricsAddr string
)

func init() {
	addOutputFlags(diagnoseCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Minute, "time between drift scans")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (default metrics.addr from config)")
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Scan for drift between records and the hypervisor (admin only)",
	Long: `Compare the VM records with the domains defined on the hypervisor.

Reports domains that have no record (orphan-domain) and records whose domain
is gone (orphan-record). Nothing is repaired automatically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
			findings, err := a.svc.Diagnose(ctx, caller)
			if err != nil {
				return err
			}
			out, err := formatter.FormatFindings(findings)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(out)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Periodically scan for drift and export metrics (admin only)",
	Long: `Run a drift scan and a VM status refresh every --interval until
interrupted. Findings go to the log and, when configured, to NATS.

With --metrics-addr (or metrics.addr in the config) the collected
operation, VM status and drift metrics are served at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchInterval <= 0 {
			return fmt.Errorf("%w: --interval must be > 0", v1alpha1.ErrInvalidRequest)
		}
		ctx := cmd.Context()
		return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
			if !caller.IsAdmin() {
				return fmt.Errorf("%w: only admins may watch for drift", v1alpha1.ErrForbidden)
			}

			addr := watchMetricsAddr
			if addr == "" {
				addr = a.cfg.Metrics.Addr
			}
			if addr != "" {
				srv := serveMetrics(a, addr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			return watch(ctx, a, caller)
		})
	},
}

func serveMetrics(a *app, addr string) *http.Server {
	mux := http.NewServeMux()
	metrics.RegisterMetrics(mux, a.registry)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func watch(ctx context.Context, a *app, caller v1alpha1.Caller) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		scan(ctx, a, caller)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scan refreshes VM status gauges and runs one drift scan. Failures are
// logged; the next tick retries.
func scan(ctx context.Context, a *app, caller v1alpha1.Caller) {
	if _, err := a.svc.List(ctx, caller); err != nil {
		a.log.Warn("status refresh failed", zap.Error(err))
	}
	findings, err := a.svc.Diagnose(ctx, caller)
	if err != nil {
		a.log.Warn("drift scan failed", zap.Error(err))
		return
	}
	a.log.Info("drift scan complete", zap.Int("findings", len(findings)))
}
