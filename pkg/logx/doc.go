// Package logx is fanout's structured logging on top of zerolog.
//
// Loggers carry fixed fields and an optional component (Component("push")).
// The Service owns the sinks: pretty or JSON console, a JSON file, a global
// level with per-component overrides, and debug sampling. Service.Apply swaps
// all of it at runtime and every Logger derived from the Service follows.
package logx
