package transport

// Package transport provides outbound dialing implementations used by
// httpbridge.
//
// Dialers implement a small interface (DialContext) and are used by the
// connection handlers to establish outbound connections either directly or,
// in bridge mode, to the fixed downstream proxy over a loopback TCP peer, a
// SOCKS5 gateway, or a multi-path QUIC session.
