// Command lockstep-server runs a standalone lockstep server over UDP,
// accepting every authenticated peer and echoing received messages back on
// the channel they arrived on. It doubles as a smoke-test host for clients.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lockstep-net/lockstep/pkg/config"
	"github.com/lockstep-net/lockstep/pkg/logging"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/metrics"
	"github.com/lockstep-net/lockstep/pkg/server"
	"github.com/lockstep-net/lockstep/pkg/transport"
)

func main() {
	var (
		listenAddr  = flag.String("listen", ":9000", "UDP listen address")
		metricsAddr = flag.String("metrics", "", "prometheus listen address (empty disables)")
		configPath  = flag.String("config", "", "yaml config file")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	if err := logging.Init(level); err != nil {
		os.Exit(1)
	}
	defer logging.Sync()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logging.Error("loading config", zap.Error(err))
			os.Exit(1)
		}
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []config.Channel{
			{ID: 0, Mode: "unordered_unreliable"},
			{ID: 1, Mode: "ordered_reliable"},
		}
	}

	kinds := message.NewKindRegistry()
	if err := kinds.RegisterBytes(1); err != nil {
		logging.Error("registering kinds", zap.Error(err))
		os.Exit(1)
	}

	substrate, err := transport.ListenUDP(*listenAddr)
	if err != nil {
		logging.Error("binding substrate", zap.Error(err))
		os.Exit(1)
	}

	var m *metrics.Metrics
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logging.Error("metrics endpoint", zap.Error(err))
			}
		}()
	}

	srv, err := server.New(substrate, cfg, kinds, server.Options{Metrics: m})
	if err != nil {
		logging.Error("starting server", zap.Error(err))
		os.Exit(1)
	}
	defer srv.Close()

	ticker := time.NewTicker(time.Second / 60)
	defer ticker.Stop()

	for now := range ticker.C {
		if err := srv.Update(now); err != nil {
			logging.Error("substrate failure", zap.Error(err))
			return
		}
		for _, ev := range srv.Events() {
			switch e := ev.(type) {
			case server.AuthEvent:
				srv.AcceptConnection(e.Addr)
			case server.MessageEvent:
				if err := srv.SendMessage(e.Addr, e.Channel, e.Msg); err != nil {
					logging.Warn("echo failed", zap.Error(err))
				}
			case server.RequestEvent:
				if err := srv.SendResponse(e.Addr, e.Channel, e.ResponseID, e.Msg); err != nil {
					logging.Warn("responding failed", zap.Error(err))
				}
			}
		}
	}
}
