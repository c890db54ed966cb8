// Command aiohttpd runs one or more single-threaded file-server shards,
// sharing a listen address via SO_REUSEPORT, one goroutine per shard pinned
// to its own OS thread.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/y001j/aiohttpd/internal/config"
	"github.com/y001j/aiohttpd/internal/logging"
	"github.com/y001j/aiohttpd/internal/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		zap.S().Fatalw("config", "error", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		zap.S().Fatalw("logging setup", "error", err)
	}
	defer log.Sync()

	shards := make([]*server.Server, 0, cfg.Shards)
	for i := 0; i < cfg.Shards; i++ {
		s, err := server.New(cfg, log.With(zap.Int("shard", i)))
		if err != nil {
			log.Fatal("shard setup failed", zap.Int("shard", i), zap.Error(err))
		}
		shards = append(shards, s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	for i, s := range shards {
		wg.Add(1)
		go func(i int, s *server.Server) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := s.Run(ctx); err != nil {
				log.Error("shard exited", zap.Int("shard", i), zap.Error(err))
			}
		}(i, s)
	}

	log.Info("listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("shards", cfg.Shards),
		zap.String("static_dir", cfg.StaticDir),
		zap.String("dynamic_dir", cfg.DynamicDir),
	)

	wg.Wait()

	for _, s := range shards {
		if err := s.Close(); err != nil {
			log.Error("shard close failed", zap.Error(err))
		}
	}
}
