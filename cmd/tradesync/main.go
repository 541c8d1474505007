package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/internal/config"
	"github.com/skalibog/tradesync/internal/exchange"
	"github.com/skalibog/tradesync/internal/feed"
	"github.com/skalibog/tradesync/internal/persist"
	"github.com/skalibog/tradesync/internal/store"
	"github.com/skalibog/tradesync/internal/stream"
	"github.com/skalibog/tradesync/internal/ui"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Интерфейс занимает терминал, поэтому лог только в файлы
	logOpts := cfg.Logger()
	logOpts.Console = false
	if err := logger.Init(logOpts); err != nil {
		return fmt.Errorf("ошибка инициализации логгера: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// Инициализируем хранилище
	blobs, err := openStorage(ctx, cfg, clk)
	if err != nil {
		return err
	}

	adapter := persist.NewAdapter(blobs, clk)
	st := store.New(ctx, adapter, clk, store.Options{MaxAge: cfg.MarketMaxAge()})

	client := exchange.NewClient(cfg.API.BaseURL, cfg.Timeout())

	var source stream.Source
	switch cfg.API.Transport {
	case config.TransportWebSocket:
		source = stream.NewWebSocketSource(cfg.API.BaseURL)
	default:
		source = stream.NewSSESource(cfg.API.BaseURL)
	}

	if patch, ok := initialForm(cfg, st.State().OrderForm); ok {
		st.PatchOrderForm(patch)
	}

	var view *ui.TermUI
	f := feed.New(client, st, source, feed.Options{
		PollInterval: cfg.PollInterval(),
		Schedule:     cfg.Schedule(),
		Clock:        clk,
		OnNotify: func(n feed.Notification) {
			logger.Info("Уведомление", zap.String("level", string(n.Level)), zap.String("message", n.Message))
			if view != nil {
				view.Notify(n)
			}
		},
		Closers: []io.Closer{blobs},
	})
	view = ui.NewTermUI(st, f, ui.Options{
		UI:         cfg.UI,
		Symbols:    cfg.Trading.Symbols,
		AmountStep: cfg.Trading.AmountStep,
		LogFile:    cfg.Log.JSONFile,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return f.Start(gctx)
	})
	g.Go(func() error {
		// Выход из интерфейса завершает приложение
		defer stop()
		return view.Run(gctx)
	})

	err = g.Wait()
	if cerr := f.Close(); cerr != nil {
		logger.Warn("Ошибка при закрытии", zap.Error(cerr))
	}
	logger.Info("Завершение работы")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStorage(ctx context.Context, cfg *config.Config, clk clock.Clock) (persist.BlobStore, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		return persist.NewMemoryStore(), nil
	case config.StorageInfluxDB:
		s, err := persist.NewInfluxStore(ctx, cfg.Influx(), clk)
		if err != nil {
			return nil, fmt.Errorf("ошибка инициализации хранилища: %w", err)
		}
		return s, nil
	default:
		s, err := persist.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			return nil, fmt.Errorf("ошибка инициализации хранилища: %w", err)
		}
		return s, nil
	}
}

// initialForm дополняет восстановленную форму ордера значениями из конфигурации.
// Заполненные и допустимые поля не меняются.
func initialForm(cfg *config.Config, current models.OrderForm) (models.OrderFormPatch, bool) {
	var patch models.OrderFormPatch
	changed := false

	if current.Exchange == "" && cfg.Trading.Exchange != "" {
		patch.Exchange = &cfg.Trading.Exchange
		changed = true
	}
	if len(cfg.Trading.Symbols) > 0 && !slices.Contains(cfg.Trading.Symbols, current.Symbol) {
		patch.Symbol = &cfg.Trading.Symbols[0]
		changed = true
	}
	return patch, changed
}
