// Command vhost runs a TCP/IP host on a raw Ethernet interface with an
// interactive command loop on stdin.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"rawtcp/pkg/config"
	"rawtcp/pkg/host"
	"rawtcp/pkg/link"
	"rawtcp/pkg/link/capture"
	"rawtcp/pkg/link/rawsock"
	"rawtcp/pkg/repl"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "vhost:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.Default()
	fs := flag.NewFlagSet("vhost", flag.ContinueOnError)
	fs.String("config", "", "config file (one `flag value` per line)")
	fs.StringVar(&cfg.Interface, "interface", "eth0", "network interface for raw Ethernet I/O")
	fs.TextVar(&cfg.LocalIP, "ip", cfg.LocalIP, "local IPv4 address")
	fs.Func("mac", "local MAC address (default: the interface's)", func(s string) error {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return err
		}
		cfg.LocalMAC = mac
		return nil
	})
	fs.TextVar(&cfg.Subnet, "subnet", cfg.Subnet, "directly reachable IPv4 prefix")
	fs.TextVar(&cfg.Gateway, "gateway", cfg.Gateway, "default gateway")
	fs.IntVar(&cfg.MSS, "mss", cfg.MSS, "maximum segment size")
	fs.IntVar(&cfg.TxBufferSize, "txbuf", cfg.TxBufferSize, "per-connection transmit buffer size")
	fs.IntVar(&cfg.RxBufferSize, "rxbuf", cfg.RxBufferSize, "per-connection receive buffer size")
	fs.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "timer tick")
	fs.DurationVar(&cfg.TcpRtoInit, "rto-init", cfg.TcpRtoInit, "initial retransmission timeout")
	fs.DurationVar(&cfg.TcpRtoMin, "rto-min", cfg.TcpRtoMin, "minimum retransmission timeout")
	fs.DurationVar(&cfg.TcpRtoMax, "rto-max", cfg.TcpRtoMax, "maximum retransmission timeout")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retransmissions before a connection is aborted")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "connection establishment timeout")
	fs.DurationVar(&cfg.ARPTimeout, "arp-timeout", cfg.ARPTimeout, "ARP resolution timeout")
	fs.DurationVar(&cfg.ARPMaxAge, "arp-max-age", cfg.ARPMaxAge, "ARP cache entry lifetime (0 keeps entries)")
	fs.BoolVar(&cfg.AnswerARP, "answer-arp", cfg.AnswerARP, "answer ARP requests for the local address")
	fs.IntVar(&cfg.InvLossRate, "loss", cfg.InvLossRate, "drop one datagram in N (0 disables)")
	fs.Var(&cfg.Role, "role", "side that injects loss: initiator drops inbound, responder drops outbound")
	fs.BoolVar(&cfg.CongestionControl, "cc", cfg.CongestionControl, "enable congestion control")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed (0 picks one)")
	capturePath := fs.String("capture", "", "write a pcapng capture to this file")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	logLevel := zapcore.InfoLevel
	fs.TextVar(&logLevel, "log-level", zapcore.InfoLevel, "log level")

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("VHOST"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(logLevel)
	zc.Encoding = "console"
	log, err := zc.Build()
	if err != nil {
		return errors.Wrap(err, "failed to build logger")
	}
	defer log.Sync()

	raw, err := rawsock.Open(cfg.Interface)
	if err != nil {
		return err
	}
	if cfg.LocalMAC == nil {
		cfg.LocalMAC = raw.MAC()
	}
	var ep link.Endpoint = raw
	if *capturePath != "" {
		f, err := os.Create(*capturePath)
		if err != nil {
			raw.Close()
			return errors.Wrap(err, "failed to create capture file")
		}
		if ep, err = capture.New(raw, f); err != nil {
			raw.Close()
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	h, err := host.New(cfg, ep, host.WithLogger(log), host.WithRegisterer(reg))
	if err != nil {
		ep.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Run(ctx)
	})
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:    *metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	g.Go(func() error {
		defer stop()
		return repl.Run(ctx, h, os.Stdin, os.Stdout)
	})
	return g.Wait()
}
