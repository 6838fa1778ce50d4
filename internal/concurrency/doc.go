// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduling helpers for the wait loop. The engine yields to the runtime
// between empty cycles; Backoff spaces those yields out when the runtime
// returns without making progress.
package concurrency
