// Package logx wraps zerolog for taskpulse.
//
// Components hold a Logger value. Loggers derived from a Service follow its
// sinks and level across config reloads; console output is human readable
// and the optional file sink is JSON lines.
package logx
