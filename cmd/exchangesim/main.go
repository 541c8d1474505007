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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/tradesync/internal/config"
	"github.com/skalibog/tradesync/internal/simulator"
	"github.com/skalibog/tradesync/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	addr := flag.String("addr", "", "адрес HTTP сервера, перекрывает simulator.addr")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Simulator.Addr = addr
	}

	logOpts := cfg.Logger()
	logOpts.Console = true
	logOpts.File = ""
	logOpts.JSONFile = ""
	if err := logger.Init(logOpts); err != nil {
		return fmt.Errorf("ошибка инициализации логгера: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := simulator.New(cfg.Sim())
	srv := &http.Server{
		Addr:              cfg.Simulator.Addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Симулятор биржи запущен", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ошибка HTTP сервера: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Потоковые соединения не завершаются сами, Shutdown их не дождется
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Симулятор остановлен")
	return err
}
