// Package tlsutil provides centralized TLS configuration for outbound
// HTTP clients: TLS 1.2+ with AEAD-only cipher suites. It has no
// server-side or Redis helpers.
package tlsutil
