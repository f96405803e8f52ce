package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Allespro/socks5d/internal/config"
	"github.com/Allespro/socks5d/internal/metrics"
	"github.com/Allespro/socks5d/internal/socks5"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetFormatter(&nested.Formatter{
		NoColors: false,
	})
	log.SetReportCaller(true)
	log.SetLevel(log.InfoLevel)
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, usage())
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if cfg.Quiet {
		log.SetLevel(log.ErrorLevel)
	}

	log.Info("welcome socks5d")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGPIPE never originates from Go's own socket writes (those
	// surface as an EPIPE error instead), but we ignore it process-wide
	// for parity with the C source's process-wide suppression of it.
	signal.Ignore(syscall.SIGPIPE)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		count := 0
		for sig := range stopCh {
			count++
			log.WithField("signal", sig).Debugf("received signal, count %d", count)
			if count == 1 {
				log.Info("first signal received, initiating graceful shutdown...")
				cancel()
			} else {
				log.Warn("received signal again, force exit")
				os.Exit(1)
			}
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("starting metrics server")
			if err := metrics.StartServer(ctx, cfg.MetricsAddr); err != nil {
				if err == http.ErrServerClosed {
					log.Info("metrics server has gracefully shut down")
				} else {
					log.Fatalf("metrics server error: %v", err)
				}
			}
		}()
	}

	auth := socks5.NewAuthPolicy(cfg.User, cfg.Pass, cfg.AuthOnce)
	resolver := socks5.NewResolver()
	counters := socks5.NewCounters(metrics.ReportTraffic)
	server := socks5.NewServer(auth, resolver, counters, log.StandardLogger())
	server.BindAddr = cfg.BindAddr

	addr := net.JoinHostPort(cfg.ListenIP, strconv.FormatUint(uint64(cfg.Port), 10))
	if err := server.Serve(ctx, addr); err != nil {
		log.Fatalf("socks5 server error: %v", err)
	}
	log.Info("shutdown done")
}

func usage() string {
	return "usage: socks5d [-q] [-1] [-i listenip] [-p port] [-u user] [-P pass] [-b bindaddr] [-metrics-addr addr]\n" +
		"all arguments are optional.\n" +
		"by default listenip is 0.0.0.0 and port 1080.\n\n" +
		"option -q limits logging to errors.\n" +
		"option -b specifies which ip outgoing connections are bound to\n" +
		"option -1 activates auth_once mode: once a specific ip address\n" +
		"authed successfully with user/pass, it is added to a whitelist\n" +
		"and may use the proxy without auth."
}
