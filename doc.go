// Package openwebrxplus provides a multi-user SDR receiver server. It shares
// a small number of hardware radio sources among many concurrent websocket
// clients, each with an independently tuned demodulation pipeline.
//
// # Architecture
//
// The receiver is organized around a hardware fan-out and per-client
// pipelines:
//
//	┌─────────────────────────────────────┐
//	│        HardwareSource               │  Lifecycle state machine,
//	│  (open, tune, read, recover)        │  single-writer device control
//	└──────────────┬──────────────────────┘
//	               │ IQ frames (fan-out, drop-oldest per client)
//	     ┌─────────┼─────────────┐
//	     ↓         ↓             ↓
//	┌─────────┐ ┌─────────┐ ┌──────────────┐
//	│ Session │ │ Session │ │ SecondaryHub │  Shared background
//	│ pipeline│ │ pipeline│ │  decoders    │  decoders (FT8, APRS)
//	└────┬────┘ └────┬────┘ └──────┬───────┘
//	     ↓           ↓             ↓
//	┌─────────────────────────────────────┐
//	│       Websocket protocol            │  JSON control messages,
//	│  (admission, burst, binary frames)  │  binary audio/spectrum
//	└─────────────────────────────────────┘
//
// Each client session owns demodulation chains built on demand from its
// reactive property stack. Tuning or mode changes rebuild the chain and swap
// it in atomically; samples keep flowing through the old chain until the new
// one is ready.
//
// # Packages
//
// Radio and DSP:
//   - source: hardware source lifecycle, client attachments, recovery
//   - pipeline: demodulation chain construction, mode registry, slots
//   - pipeline/stages: concrete stages (exec, compression, passthrough)
//   - decoder: structured decode records and digimode output parsers
//
// Client surface:
//   - session: per-client state, property wiring, admission control
//   - protocol: websocket wire protocol and connection handling
//
// Configuration:
//   - config: file loading and validation
//   - property: layered reactive properties (layers, stacks, carousels)
//
// Infrastructure:
//   - errors: classified error handling
//   - metric: Prometheus metrics
//   - bus: optional NATS telemetry publishing
//   - pkg/buffer: bounded ring buffers with drop-oldest overflow
//   - pkg/retry: exponential backoff for hardware recovery
//
// # Binary
//
// Build and run the receiver:
//
//	go build -o bin/openwebrxplus ./cmd/openwebrxplus
//	./bin/openwebrxplus --config configs/receiver.yaml
//
// With no config file the server starts with a built-in simulated source on
// :8073. Clients connect to /ws; operational state is on /healthz,
// /api/status, and /metrics.
package openwebrxplus
