package workflow

import (
	"sync"
	"testing"
)

// NOTE: These tests are intentionally DB-free. They validate the intended
// side-effect materialization semantics:
// - at-least-once delivery is safe via durable idempotency keys
// - per-business serialization prevents racey interleavings inside handlers
//
// The docker-gated regression tests in models cover the real MySQL
// GET_LOCK + idempotency_keys path.

type fakeMaterializer struct {
	muByBiz map[string]*sync.Mutex
	mu      sync.Mutex
	seen    map[string]bool
	applied int
}

func newFakeMaterializer() *fakeMaterializer {
	return &fakeMaterializer{
		muByBiz: map[string]*sync.Mutex{},
		seen:    map[string]bool{},
	}
}

func (p *fakeMaterializer) process(businessID, handlerName, messageID string, fn func()) {
	// serialize per business (AcquireConfirmationPostingLock)
	p.mu.Lock()
	bm := p.muByBiz[businessID]
	if bm == nil {
		bm = &sync.Mutex{}
		p.muByBiz[businessID] = bm
	}
	p.mu.Unlock()

	bm.Lock()
	defer bm.Unlock()

	// deduplicate (models IdempotencyKey)
	key := businessID + "|" + handlerName + "|" + messageID
	p.mu.Lock()
	if p.seen[key] {
		p.mu.Unlock()
		return
	}
	p.seen[key] = true
	p.mu.Unlock()

	fn()

	p.mu.Lock()
	p.applied++
	p.mu.Unlock()
}

func TestDuplicateOutboxDeliveryMaterializesOnce(t *testing.T) {
	p := newFakeMaterializer()

	const (
		biz       = "plant-1"
		handler   = "materialize_audit"
		messageID = "42"
	)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.process(biz, handler, messageID, func() {})
		}()
	}
	wg.Wait()

	if p.applied != 1 {
		t.Fatalf("expected exactly 1 materialization, got %d", p.applied)
	}
}

func TestMaterializationDeterministicUnderConcurrency(t *testing.T) {
	for run := 0; run < 100; run++ {
		p := newFakeMaterializer()
		var wg sync.WaitGroup

		// same delivery mix, repeated concurrently
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.process("plant-1", "materialize_audit", "1", func() {})
				p.process("plant-1", "materialize_usage", "2", func() {})
				p.process("plant-1", "materialize_audit", "1", func() {}) // duplicate
			}()
		}
		wg.Wait()

		if p.applied != 2 {
			t.Fatalf("run=%d expected 2 unique materializations, got %d", run, p.applied)
		}
	}
}

func TestShouldRunDirectOutboxProcessor(t *testing.T) {
	t.Setenv("OUTBOX_DIRECT_PROCESSING", "")
	t.Setenv("PUBSUB_TOPIC", "")
	if !ShouldRunDirectOutboxProcessor() {
		t.Fatalf("no topic configured: direct processing must default on")
	}

	t.Setenv("PUBSUB_TOPIC", "mes-side-effects")
	if ShouldRunDirectOutboxProcessor() {
		t.Fatalf("topic configured: dispatcher must own the outbox")
	}

	t.Setenv("OUTBOX_DIRECT_PROCESSING", "true")
	if !ShouldRunDirectOutboxProcessor() {
		t.Fatalf("explicit true must override the topic default")
	}

	t.Setenv("OUTBOX_DIRECT_PROCESSING", "false")
	t.Setenv("PUBSUB_TOPIC", "")
	if ShouldRunDirectOutboxProcessor() {
		t.Fatalf("explicit false must override the no-topic default")
	}
}
