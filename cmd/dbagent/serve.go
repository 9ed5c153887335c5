package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/rahul/dbagent/internal/agent"
	"github.com/rahul/dbagent/internal/gateway"
	"github.com/rahul/dbagent/internal/observability"
)

func newServeCmd() *cobra.Command {
	var dashboard bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram gateway, the question scheduler and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgCfg, ok := globalCfg.GetTelegramConfig()
			if !ok {
				return errors.New("telegram gateway is not enabled or token is missing")
			}

			dashboard = dashboard && term.IsTerminal(int(os.Stdout.Fd()))
			if dashboard {
				observability.PrintBanner()
				observability.InitializeTerminal()
				// Route all log output through the terminal mutex so it never
				// interrupts the dashboard's cursor save/restore sequence.
				log.SetOutput(observability.NewTermWriter())
				defer observability.CleanupTerminal()
			}

			var events io.Writer = os.Stdout
			if dashboard {
				events = io.Discard
			}
			a, err := newApp(globalCfg, events)
			if err != nil {
				return err
			}
			defer a.Close()

			tg, err := gateway.NewTelegramGateway(tgCfg.Token, a.brain)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				if err := tg.Start(ctx); err != nil {
					log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
					return err
				}
				return nil
			})

			scheduler := agent.NewScheduler(a.brain, a.history, tg)
			g.Go(func() error {
				scheduler.Start(ctx)
				return nil
			})

			g.Go(func() error {
				heartbeat := time.NewTicker(30 * time.Second)
				defer heartbeat.Stop()
				status := time.NewTicker(time.Second)
				defer status.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-heartbeat.C:
						observability.Heartbeat()
						a.logger.LogHeartbeat()
					case <-status.C:
						if dashboard {
							observability.PrintLiveStatus()
						}
					}
				}
			})

			if addr := globalCfg.App.MetricsAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					log.Printf("Metrics listening on %s/metrics", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			err = g.Wait()
			log.Println("\033[95m[ EXIT ] dbagent stopped.\033[0m")
			return err
		},
	}
	cmd.Flags().BoolVar(&dashboard, "dashboard", true, "Show the live status dashboard when attached to a terminal")
	return cmd
}
