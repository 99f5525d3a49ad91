// Package queue carries job messages over a Redis Stream consumed by a
// consumer group. Messages that stay unacknowledged are reclaimed and
// redelivered until they exceed a delivery bound, after which they move to a
// dead-letter stream.
package queue
