package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/media_negotiation/pkg/ice"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/session"
	"github.com/emiago/sipgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Путь к файлу конфигурации (yaml/json/toml)")
		listenAddr   = flag.String("listen", "127.0.0.1:5060", "Адрес SIP сервера")
		mediaAddress = flag.String("media-address", "127.0.0.1", "Адрес для медиа в SDP")
		metricsAddr  = flag.String("metrics", ":9090", "Адрес HTTP для /metrics, пусто - отключено")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	config, err := session.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("не удалось загрузить конфигурацию")
	}
	level, err := zerolog.ParseLevel(config.Log.Level)
	if err != nil {
		log.Fatal().Err(err).Msg("некорректный уровень логирования")
	}
	zerolog.SetGlobalLevel(level)

	var iceEngine ice.Engine
	if config.ICE.Enabled {
		iceEngine = ice.NewPionEngine(config.PionEngineConfig())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, err := session.NewManager(config, iceEngine, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("не удалось создать менеджер сессий")
	}

	mediaEngine := media.NewUDPEngine(media.DefaultUDPEngineConfig())

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", *metricsAddr).Msg("HTTP метрик запущен")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("ошибка HTTP метрик")
			}
		}()
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(config.Identifier))
	if err != nil {
		log.Fatal().Err(err).Msg("не удалось создать SIP UA")
	}
	defer ua.Close()

	server, err := sipgo.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("не удалось создать SIP сервер")
	}

	a := newAgent(manager, mediaEngine, *mediaAddress, log.Logger.With().Str("component", "media_agent").Logger())
	a.register(server)

	log.Info().
		Str("listen", *listenAddr).
		Bool("ice", manager.ICEEnabled()).
		Strs("codecs", config.Codecs.Enabled).
		Msg("агент запущен")

	if err := server.ListenAndServe(ctx, "udp", *listenAddr); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("SIP сервер остановлен с ошибкой")
	}

	log.Info().Int("sessions", manager.Store().Count()).Msg("остановка")
	a.terminateAll()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP метрик остановлен принудительно")
		}
	}
}
