package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/gb_gateway/pkg/api"
	"github.com/arzzra/gb_gateway/pkg/config"
	"github.com/arzzra/gb_gateway/pkg/session"
	"github.com/arzzra/gb_gateway/pkg/signaling"
	"github.com/arzzra/gb_gateway/pkg/sink"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "gateway.yaml", "путь к файлу конфигурации")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	initLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Шлюз остановлен с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Шлюз остановлен")
}

func initLogger(cfg *config.Config) {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: time.RFC3339,
	})
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	hostname := cfg.SIP.LocalIP
	if hostname == "" {
		hostname, _, _ = net.SplitHostPort(cfg.SIP.ListenAddr)
	}

	transport, err := signaling.NewSipgoTransport(cfg.SIP.UserAgent, hostname)
	if err != nil {
		return err
	}
	defer transport.Close()

	accounts := signaling.NewStaticAccounts(cfg.Accounts()...)
	core, err := signaling.New(cfg.Signaling(), transport, signaling.WithAccounts(accounts))
	if err != nil {
		return err
	}
	transport.Attach(core)

	fileSink, err := sink.NewFileSink(cfg.Media.SinkDir, cfg.SinkFormat())
	if err != nil {
		return err
	}
	defer fileSink.Close()

	registry := session.NewRegistry(core, fileSink, cfg.Session())
	for _, d := range cfg.Devices {
		if _, err := registry.Add(d.ID, d.Name); err != nil {
			return err
		}
	}
	registry.OnEvent(logSessionEvent)
	core.OnCatalog(func(ev signaling.CatalogEvent) {
		slog.Info("Получен каталог",
			slog.String("device_id", ev.DeviceID),
			slog.Int("items", len(ev.Catalog.SubList.Items)))
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := transport.ListenAndServe(gctx, cfg.SIP.Transport, cfg.SIP.ListenAddr)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return core.Run(gctx)
	})

	if cfg.API.ListenAddr != "" {
		apiServer := api.New(api.Config{AllowedOrigins: cfg.API.AllowedOrigins}, api.FromRegistry(registry), core)
		httpServer := &http.Server{
			Addr:              cfg.API.ListenAddr,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Запуск HTTP интерфейса", slog.String("address", cfg.API.ListenAddr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			apiServer.Close()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Остановка шлюза")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := registry.Close(sctx); err != nil {
			slog.Warn("Ошибка закрытия сессий", slog.Any("error", err))
		}
		core.Stop()
		return nil
	})

	slog.Info("Шлюз запущен",
		slog.String("sip", cfg.SIP.Transport+"/"+cfg.SIP.ListenAddr),
		slog.Int("devices", len(cfg.Devices)))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logSessionEvent(ev session.Event) {
	attrs := []any{
		slog.String("device_id", ev.DeviceID),
		slog.String("kind", string(ev.Kind)),
		slog.String("state", string(ev.State)),
	}
	switch ev.Kind {
	case session.EventWait, session.EventStreamFailed:
		if ev.Error != "" {
			attrs = append(attrs, slog.String("error", ev.Error))
		}
		slog.Warn("Событие сессии", attrs...)
	default:
		slog.Info("Событие сессии", attrs...)
	}
}
