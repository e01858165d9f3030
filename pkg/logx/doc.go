// Package logx is castbot's logging layer: a zerolog-backed Logger with
// fixed fields, a Service whose sinks (console, JSON file, operator chat)
// can be swapped while loggers derived from it stay valid.
package logx
