package threadmerger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/framesched/taskqueue"
	"github.com/e7canasta/framesched/trace"
)

// countingMerger counts queue merges and delegates to a Registry.
type countingMerger struct {
	registry *taskqueue.Registry

	mu       sync.Mutex
	merges   int
	unmerges int
}

func (c *countingMerger) Merge(owner, subsumed taskqueue.QueueID) bool {
	c.mu.Lock()
	c.merges++
	c.mu.Unlock()
	return c.registry.Merge(owner, subsumed)
}

func (c *countingMerger) Unmerge(owner, subsumed taskqueue.QueueID) bool {
	c.mu.Lock()
	c.unmerges++
	c.mu.Unlock()
	return c.registry.Unmerge(owner, subsumed)
}

func (c *countingMerger) counts() (merges, unmerges int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merges, c.unmerges
}

func newFixture(t *testing.T) (*SharedThreadMerger, *countingMerger, taskqueue.QueueID, taskqueue.QueueID) {
	t.Helper()
	registry := taskqueue.NewRegistry()
	q1, q2 := registry.CreateTaskQueue(), registry.CreateTaskQueue()
	qm := &countingMerger{registry: registry}
	return NewShared(qm, q1, q2), qm, q1, q2
}

func TestMergeWithLeaseIsIdempotent(t *testing.T) {
	m, qm, _, _ := newFixture(t)
	a := uuid.New()

	if !m.MergeWithLease(a, 3) || !m.MergeWithLease(a, 3) {
		t.Fatal("MergeWithLease must succeed")
	}
	if merges, _ := qm.counts(); merges != 1 {
		t.Errorf("queue merges = %d, want 1", merges)
	}
	if !m.IsMerged() {
		t.Error("expected merged")
	}
}

// TestLeaseCompleteness validates that the merge persists until every
// caller's lease reaches zero, and unmerges exactly once.
//
// Scenario:
//  1. A holds 1, B holds 2
//  2. Decrement A to zero: still merged (B positive)
//  3. Decrement B twice: unmerged on the second, exactly one queue unmerge
func TestLeaseCompleteness(t *testing.T) {
	m, qm, _, _ := newFixture(t)
	a, b := uuid.New(), uuid.New()

	m.MergeWithLease(a, 1)
	m.MergeWithLease(b, 2)

	if m.DecrementLease(a) {
		t.Error("A reaching zero must not unmerge while B holds a lease")
	}
	if !m.IsMerged() {
		t.Fatal("expected merged")
	}
	if m.DecrementLease(b) {
		t.Error("B still has one cycle left")
	}
	if !m.DecrementLease(b) {
		t.Error("last lease reaching zero must unmerge")
	}
	if m.IsMerged() {
		t.Error("expected unmerged")
	}
	if merges, unmerges := qm.counts(); merges != 1 || unmerges != 1 {
		t.Errorf("queue merges/unmerges = %d/%d, want 1/1", merges, unmerges)
	}
}

func TestDecrementLeaseContractViolations(t *testing.T) {
	m, qm, _, _ := newFixture(t)
	a := uuid.New()

	if m.DecrementLease(a) {
		t.Error("unknown caller is tolerated and reports false")
	}

	m.MergeWithLease(a, 1)
	m.DecrementLease(a)
	if m.DecrementLease(a) {
		t.Error("decrementing a zero lease is ignored")
	}
	g := m.Lock()
	term, ok := g.Lease(a)
	g.Unlock()
	if !ok || term != 0 {
		t.Errorf("lease = %d, %v; must not underflow", term, ok)
	}
	if _, unmerges := qm.counts(); unmerges != 1 {
		t.Errorf("queue unmerges = %d, want 1", unmerges)
	}
}

// TestUnMergeByRemoval validates UnMergeNowIfLastOne.
//
// Scenario:
//  1. A and B hold leases
//  2. UnMergeNowIfLastOne(A): merge intact, A's entry gone
//  3. UnMergeNowIfLastOne(B): exactly one queue unmerge
func TestUnMergeByRemoval(t *testing.T) {
	m, qm, _, _ := newFixture(t)
	a, b := uuid.New(), uuid.New()
	m.MergeWithLease(a, 5)
	m.MergeWithLease(b, 5)

	if !m.UnMergeNowIfLastOne(a) {
		t.Error("UnMergeNowIfLastOne returns true")
	}
	if !m.IsMerged() {
		t.Fatal("B still needs the merge")
	}
	g := m.Lock()
	_, aKnown := g.Lease(a)
	g.Unlock()
	if aKnown {
		t.Error("A's bookkeeping should be removed")
	}

	m.UnMergeNowIfLastOne(b)
	if m.IsMerged() {
		t.Error("expected unmerged")
	}
	if _, unmerges := qm.counts(); unmerges != 1 {
		t.Errorf("queue unmerges = %d, want 1", unmerges)
	}

	// Already unmerged: no further queue unmerge.
	m.UnMergeNowIfLastOne(b)
	if _, unmerges := qm.counts(); unmerges != 1 {
		t.Errorf("queue unmerges = %d, want 1", unmerges)
	}
}

func TestUnMergeNowIfLastOneWithOnlyZeroLeasesLeft(t *testing.T) {
	m, _, _, _ := newFixture(t)
	a, b := uuid.New(), uuid.New()
	m.MergeWithLease(a, 1)
	m.MergeWithLease(b, 3)
	m.DecrementLease(a) // A at zero, B keeps the merge

	m.UnMergeNowIfLastOne(b)
	if m.IsMerged() {
		t.Error("only a zero lease remains, the queues must be unmerged")
	}
}

func TestExtendLeaseTo(t *testing.T) {
	m, qm, _, _ := newFixture(t)
	a := uuid.New()

	m.ExtendLeaseTo(a, 4) // unmerged: ignored
	if m.IsMerged() {
		t.Fatal("ExtendLeaseTo must not merge")
	}

	m.MergeWithLease(a, 1)
	m.ExtendLeaseTo(a, 3)
	m.ExtendLeaseTo(a, 0) // non-positive: ignored
	for i := 0; i < 2; i++ {
		if m.DecrementLease(a) {
			t.Fatalf("unmerged after %d decrements, lease was extended to 3", i+1)
		}
	}
	if !m.DecrementLease(a) {
		t.Error("third decrement must unmerge")
	}
	if merges, unmerges := qm.counts(); merges != 1 || unmerges != 1 {
		t.Errorf("queue merges/unmerges = %d/%d", merges, unmerges)
	}
}

func TestMergeWithNonPositiveTerm(t *testing.T) {
	m, qm, _, _ := newFixture(t)
	if m.MergeWithLease(uuid.New(), 0) {
		t.Error("zero term must be refused")
	}
	if merges, _ := qm.counts(); merges != 0 {
		t.Error("refused request must not merge")
	}
}

// TestMergeScenario checks that tasks registered on Q2 before and during the
// merged window are serviced as if registered on Q1, and return to Q2 after
// the lease runs out.
func TestMergeScenario(t *testing.T) {
	registry := taskqueue.NewRegistry()
	q1, q2 := registry.CreateTaskQueue(), registry.CreateTaskQueue()
	m := NewShared(registry, q1, q2)
	x := uuid.New()

	var ran []string
	task := func(name string) taskqueue.Task {
		return func(context.Context) { ran = append(ran, name) }
	}
	now := time.Now()
	registry.RegisterTask(q2, task("before"), now)

	if !m.MergeWithLease(x, 2) || !registry.Owns(q1, q2) {
		t.Fatal("MergeWithLease(x, 2) must merge Q2 into Q1")
	}
	registry.RegisterTask(q2, task("during"), now)

	if n := registry.NumPendingTasks(q2); n != 0 {
		t.Errorf("Q2 reports %d tasks while merged", n)
	}
	for _, task := range registry.TasksToRunNow(q1, now) {
		task(context.Background())
	}
	if len(ran) != 2 || ran[0] != "before" || ran[1] != "during" {
		t.Errorf("Q1 ran %v", ran)
	}

	if m.DecrementLease(x) || !registry.Owns(q1, q2) {
		t.Fatal("one decrement must leave the queues merged")
	}
	if !m.DecrementLease(x) || registry.Owns(q1, q2) {
		t.Fatal("second decrement must unmerge")
	}

	registry.RegisterTask(q2, task("after"), now)
	if n := len(registry.TasksToRunNow(q1, now)); n != 0 {
		t.Errorf("Q1 ran %d Q2 tasks after unmerge", n)
	}
	if n := len(registry.TasksToRunNow(q2, now)); n != 1 {
		t.Errorf("Q2 ran %d tasks, want 1", n)
	}
}

type failingMerger struct{}

func (failingMerger) Merge(taskqueue.QueueID, taskqueue.QueueID) bool { return false }
func (failingMerger) Unmerge(taskqueue.QueueID, taskqueue.QueueID) bool { return false }

func TestQueueMergeFailurePanics(t *testing.T) {
	m := NewShared(failingMerger{}, 1, 2)
	defer func() {
		if recover() == nil {
			t.Error("a failed queue merge must panic")
		}
	}()
	m.MergeWithLease(uuid.New(), 1)
}

func TestGuardUseAfterUnlockPanics(t *testing.T) {
	m, _, _, _ := newFixture(t)
	g := m.Lock()
	g.Unlock()
	defer func() {
		if recover() == nil {
			t.Error("guard use after Unlock must panic")
		}
	}()
	g.IsMerged()
}

func TestWaitMerged(t *testing.T) {
	m, _, _, _ := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.WaitMerged(ctx); err == nil {
		t.Error("WaitMerged must time out while unmerged")
	}

	done := make(chan error, 1)
	go func() { done <- m.WaitMerged(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	m.MergeWithLease(uuid.New(), 1)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitMerged = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitMerged did not return after merge")
	}
}

type spanSink struct {
	mu     sync.Mutex
	events []trace.Event
}

func (s *spanSink) Emit(e trace.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func TestMergeEmitsTraceSpans(t *testing.T) {
	registry := taskqueue.NewRegistry()
	q1, q2 := registry.CreateTaskQueue(), registry.CreateTaskQueue()
	sink := &spanSink{}
	m := NewShared(registry, q1, q2, WithTracer(trace.New(sink, "s")))
	a := uuid.New()

	for i := 0; i < 2; i++ {
		m.MergeWithLease(a, 1)
		m.DecrementLease(a)
	}

	if len(sink.events) != 4 {
		t.Fatalf("events = %d, want 4", len(sink.events))
	}
	want := []struct {
		phase trace.Phase
		id    uint64
	}{{trace.PhaseBegin, 1}, {trace.PhaseEnd, 1}, {trace.PhaseBegin, 2}, {trace.PhaseEnd, 2}}
	for i, w := range want {
		e := sink.events[i]
		if e.Name != TraceMerge || e.Phase != w.phase || e.ID != w.id {
			t.Errorf("event %d = %+v", i, e)
		}
	}
	if s := m.Stats(); s.Merges != 2 || s.Unmerges != 2 || s.Merged {
		t.Errorf("stats %+v", s)
	}
}
