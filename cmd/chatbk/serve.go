// cmd/chatbk/serve.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmp/chatbk/dispatch"
	"github.com/mmp/chatbk/server"
	"github.com/mmp/chatbk/storage"
)

// serve runs workers, and if api is set the job API and gateway too,
// until it's interrupted. Jobs still running then are handed back to the
// queue.
func serve(args []string, api bool) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgFn := fs.String("config", "", "configuration file")
	parseFlags(fs, args)
	cfg := loadConfig(*cfgFn)
	if !api && cfg.Queue.Type != "redis" {
		log.Fatal("worker: queue.type must be redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	log.CheckError(err)
	defer a.Close()

	switch q := a.queue.(type) {
	case *dispatch.Redis:
		n, err := q.Recover(ctx, a.handler.Interrupted)
		log.CheckError(err)
		if n > 0 {
			log.Print("requeued %d requests left unfinished by this worker", n)
		}
	case *dispatch.Local:
		n, err := a.handler.Recover(ctx)
		log.CheckError(err)
		if n > 0 {
			log.Print("redispatched %d queued jobs", n)
		}
	}

	opts := server.Options{
		Executor: a.coord,
		Log:      log.With("component", "server"),
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	if api {
		opts.Jobs = a.handler
		opts.Points = a.points
		if cfg.Server.GatewaySpace != "" {
			gw, err := storage.Open(ctx, cfg.Server.GatewaySpace, storage.Options{})
			log.CheckError(err, "gateway")
			defer gw.Close()
			opts.Gateway = gw
		}
	}
	srv := server.New(opts)
	consumer := dispatch.NewConsumer(a.queue, a.coord, cfg.Queue.Workers,
		log.With("component", "dispatch"))

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Server.Addr) }()

	select {
	case <-ctx.Done():
		log.Print("shutdown signal received")
	case err := <-errc:
		if err != nil {
			log.Error("server: %v", err)
		}
	}
	stop()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hand running jobs back first; their requests go back on the queue,
	// which the consumer then stops reading.
	if err := a.coord.Shutdown(sctx); err != nil {
		log.Error("%v", err)
	}
	done := make(chan error, 1)
	go func() { done <- consumer.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			log.Error("dispatch: %v", err)
		}
	case <-sctx.Done():
		log.Warning("gave up waiting for running jobs")
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("server shutdown: %v", err)
	}
	log.Print("shutdown complete")
}
