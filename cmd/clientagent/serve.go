package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/otpgo/clientagent"
	"github.com/otpgo/clientagent/cabus/calink"
	"github.com/otpgo/clientagent/caquic"
	"github.com/otpgo/clientagent/caschema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the client agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientagent.LoadFileConfig(configPath)
			if err != nil {
				return err
			}

			log, err := cfg.Log.NewLogger()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, log, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "clientagent.yaml", "path to the YAML config file")

	return cmd
}

func serve(ctx context.Context, log *slog.Logger, cfg clientagent.FileConfig) error {
	schema, err := caschema.Load(cfg.Schema)
	if err != nil {
		return err
	}
	log.Info(
		"Loaded schema",
		"path", cfg.Schema,
		"classes", schema.NumClasses(),
		"fields", schema.NumFields(),
		"hash", fmt.Sprintf("0x%08x", schema.Hash()),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	link, err := calink.DialLink(
		ctx, log.With("sys", "link"), cfg.MessageDirector.Address,
		&tls.Config{
			NextProtos:         []string{cfg.MessageDirector.ALPN},
			InsecureSkipVerify: cfg.MessageDirector.Insecure, //nolint:gosec // Opt-in for test clusters.
		},
		cfg.MessageDirector.Compress, cfg.WriteTimeout,
	)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		link.Wait()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lo, hi := cfg.ChannelRange()

	a := clientagent.NewAgent(ctx, log.With("sys", "agent"), clientagent.AgentConfig{
		Schema: schema,
		Bus:    link,

		MinChannel: lo,
		MaxChannel: hi,

		Version: cfg.Hello.Version,
		DCHash:  cfg.Hello.DCHash,

		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		AcceptStreamTimeout: cfg.AcceptStreamTimeout,

		Metrics: clientagent.NewMetrics(reg),
	})
	defer func() {
		cancel()
		a.Wait()
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if cfg.Listen.QUIC != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.CertFile, cfg.Listen.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load listener certificate: %w", err)
		}

		l, err := caquic.Listen(cfg.Listen.QUIC, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{cfg.Listen.ALPN},
		}, nil)
		if err != nil {
			return err
		}
		log.Info("Accepting QUIC clients", "addr", l.Addr().String())

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.Close()
			if err := a.ServeQUIC(l); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
	}

	if cfg.Listen.Websocket != "" {
		serveHTTP(ctx, log, &wg, errCh, "websocket", cfg.Listen.Websocket, a.WebsocketHandler())
	}

	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		serveHTTP(ctx, log, &wg, errCh, "metrics", cfg.Metrics.Address, mux)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down", "cause", context.Cause(ctx))
	case <-a.Done():
		runErr = a.Err()
		log.Error("Agent stopped", "err", runErr)
	case runErr = <-errCh:
		log.Error("Listener failed", "err", runErr)
	}

	cancel()
	wg.Wait()
	return runErr
}

func serveHTTP(
	ctx context.Context, log *slog.Logger, wg *sync.WaitGroup, errCh chan<- error,
	name, addr string, h http.Handler,
) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Info("Serving HTTP", "name", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
