// Package engine provides the per-job workflow state machine. A run drives a
// job through prompt derivation, image creation or editing and upload,
// enforcing a timeout on every provider call via context deadlines, retrying
// transient provider failures with backoff, and recording every stage
// transition in the job ledger and on the event broker in real time.
package engine
