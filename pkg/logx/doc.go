// Package logx is relaybot's structured logging layer.
//
// A thin wrapper (logx.Logger) over zerolog that keeps:
//   - console output short (compact timestamp, file:line caller)
//   - file output as JSON lines
//   - an optional operator alert sink that forwards WARN+ lines to a chat
//     through the transport adapter, rate limited and never blocking
package logx
