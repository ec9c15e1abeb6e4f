// Package dispatch classifies events raised by the collectors and queues
// the ones performed by tracked processes.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│  Collectors (eventstream, procconn)      │
//	└─────────────────┬────────────────────────┘
//	                  │ synchronous calls
//	                  ▼
//	┌──────────────────────────────────────────┐
//	│  Monitor                                 │  ← one entry per source
//	│  - FilesystemPreOperation                │
//	│  - ImageLoad                             │
//	│  - Registry (SetValue/DeleteValue only)  │
//	│  - ProcessLifecycle (propagates)         │
//	│  - ThreadLifecycle                       │
//	└─────────┬───────────────────┬────────────┘
//	          │ Contains/Insert   │ Append
//	          ▼                   ▼
//	   tracking.Set          capture.Queue ──→ transport (drain)
//
// Handlers run to completion on the caller's goroutine. The only waits are
// the spin locks inside tracking.Set and capture.Queue.
package dispatch
