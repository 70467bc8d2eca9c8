package x402

import (
	"context"
	"sync"
)

// SerialQueue totally orders settlement tasks for one signing key. A single
// signer has a single on-chain nonce counter; signing two settlements
// concurrently would race on it. One queue is constructed per
// (network, signing key) pair and handed to the orchestrator explicitly.
//
// The queue trades throughput for correctness: unrelated payers settling on
// the same network wait behind each other.
type SerialQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

// NewSerialQueue returns an empty queue.
func NewSerialQueue() *SerialQueue {
	return &SerialQueue{}
}

// Run executes task after every previously admitted task has completed,
// in admission order. A predecessor's error never stalls the chain.
//
// Admission is refused if ctx is already done, but once admitted the task
// runs to completion even if ctx is cancelled while queued: abandoning an
// admitted settlement would leave the signer's nonce state unknown.
func (q *SerialQueue) Run(ctx context.Context, task func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	defer close(done)
	if prev != nil {
		<-prev
	}
	return task()
}
