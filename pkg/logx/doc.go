// Package logx is postwave's structured logging layer.
//
// A thin value type (Logger) sits on top of zerolog so components can carry
// fixed fields around and keep logging across runtime reconfiguration:
//   - console output stays readable (short timestamp, file:line caller)
//   - json output and the file sink stay machine-parsable
package logx
