package transport

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// Administrative domain pair identifying the multi-path route (e.g.
	// "2-26"). Opaque to the proxy core; used for diagnostics only.
	LocalDomain  string
	RemoteDomain string

	// Insecure skips TLS verification of the multi-path peer.
	Insecure bool

	// Certificate presented by the multi-path listener. When both are empty
	// an ephemeral self-signed certificate is generated at startup.
	CertFile string
	KeyFile  string
}
