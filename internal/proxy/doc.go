package proxy

// Package proxy implements the httpbridge connection-handling pipeline.
//
// It contains the request parser, the direct and bridge connection handlers,
// the bidirectional relay, and shared connection plumbing such as keepalive
// listeners and the accept loop.
