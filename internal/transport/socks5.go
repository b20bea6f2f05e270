package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/txthinking/socks5"
)

// SOCKS5GatewayDialer reaches the bridge peer through a SOCKS5 gateway.
type SOCKS5GatewayDialer struct {
	cfg      Config
	gateway  string
	username string
	password string
}

func NewSOCKS5GatewayDialer(cfg Config, gateway, username, password string) Dialer {
	return &SOCKS5GatewayDialer{cfg: cfg, gateway: gateway, username: username, password: password}
}

func (d *SOCKS5GatewayDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_ = ctx
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 gateway dial %s %s: unsupported network", network, address)
	}

	tcpTimeout := 0
	if d.cfg.DialTimeout > 0 {
		tcpTimeout = int(d.cfg.DialTimeout.Seconds())
		if tcpTimeout <= 0 {
			tcpTimeout = 1
		}
	}

	client, err := socks5.NewClient(d.gateway, d.username, d.password, tcpTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 gateway init: %w", err)
	}

	c, err := client.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("socks5 gateway dial %s %s: %w", network, address, err)
	}
	return c, nil
}
