// Package worker runs the gateway's background loops: batched usage
// flushing, webhook push delivery, cooldown row expiry, and metric gauge
// sampling. Loops are supervised together by Runner.
package worker

import "context"

// Worker is one background loop. Run blocks until ctx ends and returns nil
// on clean shutdown; a non-nil error tears down every sibling in the Runner.
type Worker interface {
	Run(ctx context.Context) error
}
