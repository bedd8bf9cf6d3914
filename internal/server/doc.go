/*
Package server manages HTTP/HTTPS server lifecycle: non-blocking
start, graceful shutdown, and OS-signal-driven wait.

# Overview

Manager wraps net/http.Server, unifying listen, serve, shutdown, and
error-propagation into one lifecycle. Both plain HTTP and TLS startup
are supported, with built-in SIGINT/SIGTERM handling for graceful
shutdown in production.

# Core types

  - Manager: holds the http.Server, its net.Listener, and an
    asynchronous error channel; exposes Start/StartTLS/Shutdown/
    WaitForShutdown.
  - Config: listen address, read/write timeouts, idle timeout, max
    header size, and graceful-shutdown timeout.

# Capabilities

  - Non-blocking start: Start/StartTLS run the server in a background
    goroutine; the caller's thread is never blocked.
  - Graceful shutdown: Shutdown drains in-flight requests and releases
    the listener within the configured timeout.
  - Signal handling: WaitForShutdown listens for SIGINT/SIGTERM and
    triggers shutdown automatically.
  - Error propagation: Errors() returns an async error channel for
    callers to monitor.
  - TLS support: StartTLS accepts a certificate and key file.
  - Status queries: IsRunning/Addr report the current listen state.
*/
package server
