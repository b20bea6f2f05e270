package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pathware/httpbridge/internal/logging"
	"github.com/pathware/httpbridge/internal/proxy"
	"github.com/pathware/httpbridge/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen = pflag.String("listen", "127.0.0.1:8080", "HTTP proxy listen address")

		bridge       = pflag.Bool("bridge", false, "Bridge mode: forward every accepted request verbatim to the fixed downstream proxy")
		bridgeTarget = pflag.String("bridge-target", "127.0.0.1:9090", "Downstream proxy address used in bridge mode")
		bridgeVia    = pflag.String("bridge-via", "direct://", "Bridge transport: direct:// | socks5://[user:pass@]host:port | mpq://")

		mpLocal    = pflag.String("multipath-local", "", "Local administrative domain for the multi-path transport (e.g. 2-26)")
		mpRemote   = pflag.String("multipath-remote", "", "Remote administrative domain for the multi-path transport")
		mpInsecure = pflag.Bool("multipath-insecure", false, "Skip TLS verification of the multi-path peer")
		mpListen   = pflag.String("multipath-listen", "", "Also accept proxied connections over multi-path QUIC on this address")
		mpCert     = pflag.String("multipath-cert", "", "TLS certificate file for the multi-path listener (ephemeral self-signed when empty)")
		mpKey      = pflag.String("multipath-key", "", "TLS key file for the multi-path listener")

		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel     = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log, err := logging.New(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	tcfg := transport.Config{
		DialTimeout:  *dialTimeout,
		KeepAlive:    ka,
		LocalDomain:  *mpLocal,
		RemoteDomain: *mpRemote,
		Insecure:     *mpInsecure,
		CertFile:     *mpCert,
		KeyFile:      *mpKey,
	}

	var handler proxy.Handler
	if *bridge {
		d, err := transport.New(tcfg, *bridgeVia)
		if err != nil {
			return fmt.Errorf("invalid --bridge-via: %w", err)
		}
		handler = proxy.NewBridgeHandler(d, *bridgeTarget)
		log.Info("operating in bridge mode",
			zap.String("bridge", *bridgeTarget), zap.String("via", *bridgeVia))
		if strings.HasPrefix(strings.ToLower(*bridgeVia), "mpq://") {
			log.Info("multi-path transport enabled",
				zap.String("local", *mpLocal), zap.String("remote", *mpRemote))
		}
	} else {
		handler = proxy.NewDirectHandler(transport.NewDirectDialer(tcfg))
		log.Info("operating in direct proxy mode")
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := proxy.ListenTCP(ctx, "tcp", *listen, ka)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	srv := proxy.NewServer(ctx, handler, log)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	log.Info("proxy listening", zap.String("addr", *listen))

	// Serving over the multi-path transport too lets a second instance
	// bridge to this one via mpq://.
	if *mpListen != "" {
		mln, err := transport.ListenMultipath(tcfg, *mpListen)
		if err != nil {
			return fmt.Errorf("multipath listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = mln.Close()
		})
		g.Go(func() error {
			if err := srv.Serve(mln); err != nil {
				return fmt.Errorf("multipath serve: %w", err)
			}
			return nil
		})
		log.Info("multi-path listener active", zap.String("addr", *mpListen))
	}

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
