/*
Package main is the wasmlatticed host process entrypoint.

# Overview

cmd/wasmlatticed boots one lattice host: the message fabric client, the
claims & link store, the RPC router, the component engine, the provider
supervisor, and the lifecycle orchestrator (see lattice/host), plus an
auxiliary HTTP surface for health checks, Prometheus metrics, the config
hot-reload API, and the provider control-channel websocket upgrade.

# Core types

  - Server          — owns the wired Host plus its auxiliary HTTP/metrics listeners
  - Middleware       — HTTP middleware signature func(http.Handler) http.Handler
  - responseWriter   — wraps http.ResponseWriter to capture status code

# Commands

  - serve                host process: boots the lattice host and aux HTTP server
  - version              print build version info
  - health                probe a running host's /health endpoint
  - scale-component       thin CLI: scale a component on a short-lived local host
  - start-provider        thin CLI: start a provider with a control-channel dial
  - stop-provider         thin CLI: stop a running provider
  - put-link / remove-link  thin CLI: manage links
  - put-config            thin CLI: write a named config
  - get-hosts             report local host identity
  - get-host-inventory    report the components loaded on a short-lived local host
  - get-claims / get-links  query the claims & link store

The CLI operations beyond serve are a thin contract per spec.md §6:
store-backed verbs open the claims & link store directly, engine and
supervisor verbs drive a short-lived local host, and each prints accepted/rejected
plus an error message, exiting 0 on success and non-zero on rejection.
*/
package main
