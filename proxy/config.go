package proxy

import (
	"log/slog"

	"github.com/proxycore/interceptproxy/internal/dispatcher"
	"github.com/proxycore/interceptproxy/internal/session"
)

// Config is the configuration recognized by the core (spec.md §6), plus
// the ambient listener/logging knobs every embedder needs to actually run
// it. Endpoint discriminates explicit vs transparent mode (spec.md §3's
// EndpointConfig); Session carries the rest of §6's recognized config.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":8080". Required.
	Addr string

	Endpoint dispatcher.EndpointConfig
	Session  session.Config

	Logger *slog.Logger
}
