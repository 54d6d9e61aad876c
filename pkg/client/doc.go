// Package client is a thin HTTP wrapper over the conductor API used by the
// CLI subcommands. Every call carries a request timeout; log streaming is
// the one long-lived call and is bounded by the caller's context instead.
package client
