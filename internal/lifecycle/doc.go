// Package lifecycle owns the worker processes behind the router.
//
// Each worker descriptor has at most one live Instance. The Manager starts an
// instance the first time a request needs it, supervises it while it runs and
// tears it down when it goes idle or crashes.
//
// Key features:
//   - Spawn on demand, one start per worker no matter how many callers wait
//   - Readiness handshake on stdout, bounded by the descriptor's startup timeout
//   - Persistent connections through a per-instance pool (see package pool)
//   - Liveness probes (ping frame over a fresh connection, RSS limit check)
//   - Crash restart with exponential backoff (1s, 2s, 4s ... capped)
//   - Permanent failure after too many consecutive crashes, cleared by Reset
//   - Idle reclamation: Ready → Draining → Stopped once no connection has been
//     used for the idle timeout
//
// State machine:
//
//	Stopped → Starting → Ready → Draining → Stopped
//	                  ↘        ↘
//	                   Crashed ← ┘
//	Crashed → Starting (restart) | Stopped (reset, removal)
//
// Termination:
//   - Stop sends SIGTERM, waits a grace period, then SIGKILL
//   - Stderr is captured (capped at 64KB) and logged when a worker exits
//
// Concurrency:
//   - Every Instance has its own mutex; no lock is held during process or
//     socket I/O
//   - The supervisor runs on its own ticker, independent of request handling
package lifecycle
