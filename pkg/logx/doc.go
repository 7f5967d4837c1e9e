// Package logx wraps zerolog behind a small structured-logging API with
// live-reconfigurable sinks (console, file).
package logx
