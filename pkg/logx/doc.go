// Package logx configures imbus's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Repeated warnings cheap (Sampler, backed by a token bucket)
package logx
