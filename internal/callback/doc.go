// Package callback delivers the terminal outcome of a job to the originating
// system over HTTP. Delivery has its own retry policy and never changes the
// job's workflow status.
package callback
