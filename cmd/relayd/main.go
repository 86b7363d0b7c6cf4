// Command relayd serves the session event pipeline over SSE: it hosts the
// in-memory hub, the normalizing SSE egress and, when Redis is configured,
// a Pulse mirror that copies session traffic into Redis streams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/relay/config"
	"goa.design/relay/event"
	"goa.design/relay/features/stream/pulse"
	pulseclient "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/hub"
	"goa.design/relay/sse"
	"goa.design/relay/telemetry"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to YAML configuration file")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides configuration)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *httpAddrF != "" {
		cfg.HTTP.Addr = *httpAddrF
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	// Optional Pulse mirror backed by Redis.
	var mirrors []hub.Mirror
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		pc, err := pulseclient.New(pulseclient.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Redis.Stream,
			OperationTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf(ctx, err, "pulse client")
		}
		mirror, err := pulse.NewMirror(pulse.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "pulse mirror")
		}
		mirrors = append(mirrors, mirror)
		log.Print(ctx, log.KV{K: "pulse-mirror", V: cfg.Redis.Addr})
	}

	h := hub.New(hub.Options{
		HistoryCap: cfg.Hub.HistoryCap,
		QueueCap:   cfg.Hub.QueueCap,
		TTL:        cfg.Hub.TTL,
		Logger:     logger,
		Metrics:    metrics,
		Mirrors:    mirrors,
	})

	handler, err := sse.New(sse.Options{
		Hub:        h,
		Normalizer: event.NewNormalizer(event.Options{IncludeThoughts: cfg.Normalizer.IncludeThoughts}),
		Heartbeat:  cfg.HTTP.Heartbeat,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "sse handler")
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler.Routes(),
	}

	errc := make(chan error)

	// SIGINT and SIGTERM stop the server gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "hub shutdown")
	}
	log.Printf(ctx, "exited")
}
