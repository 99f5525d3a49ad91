// Package consumer pulls job messages from the queue and runs each through
// the workflow engine under a fixed concurrency bound. It decides per message
// whether to acknowledge, dead-letter or leave it pending for redelivery.
package consumer
