// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// host a single place to configure its TracerProvider and MeterProvider.
// When telemetry is disabled, a noop implementation is used and no
// external collector is contacted.
package telemetry
