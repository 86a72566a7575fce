// Package observability sets up the process-wide logger and the
// OpenTelemetry trace and meter providers used by the gateway.
//
// Spans and instruments are created by the packages that own the work;
// this package only installs the global providers and flushes them on
// shutdown.
package observability
