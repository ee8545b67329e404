package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/courier"
	"github.com/spf13/cobra"
)

var metricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a long-lived node",
	Long: `Run a node until interrupted. Received messages are logged, and
the node answers announcements so other peers can discover it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, err := nodeOptions()
		if err != nil {
			return err
		}

		logger := slog.New(logHandler)
		var srv *http.Server
		if metricsAddr != "" {
			sink, err := prometheus.NewPrometheusSink()
			if err != nil {
				return fmt.Errorf("failed to create prometheus sink: %w", err)
			}
			opts = append(opts, courier.WithMetricSink(sink))

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", courier.LabelError.L(err))
				}
			}()
		} else {
			opts = append(opts, courier.WithMetricSink(&metrics.BlackholeSink{}))
		}

		opts = append(opts, courier.WithMessageHandler(func(msg courier.Message) {
			logger.Info("message received",
				courier.LabelPeerID.L(msg.Sender),
				courier.LabelPacketID.L(msg.PacketID),
				"broadcast", msg.IsBroadcast(),
				"payload", string(msg.Payload),
			)
		}))

		node, err := courier.Create(opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "node %s listening on %s\n", node.ID(), node.LocalAddr())

		if err := node.JoinCluster(); err != nil && !errors.Is(err, courier.ErrNoGossip) {
			logger.Warn("could not join cluster", courier.LabelError.L(err))
		}

		<-ctx.Done()
		err = node.Shutdown()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, srv.Shutdown(shutdownCtx))
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(runCmd)
}
