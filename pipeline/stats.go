package pipeline

// Stats is a snapshot of pipeline operational counters.
type Stats struct {
	// Depth is the fixed capacity.
	Depth int

	// InFlight counts reserved slots not yet consumed or abandoned.
	// Never exceeds Depth.
	InFlight int64

	// Queued counts committed resources awaiting the consumer.
	Queued int

	// Produced counts successful commits.
	Produced uint64

	// Rejected counts Produce calls that found no free slot, plus failed
	// front commits. Non-zero under sustained load means the consumer is
	// slower than the producer.
	Rejected uint64

	// Abandoned counts continuations released without a commit.
	Abandoned uint64

	// Consumed counts resources handed to a consumer.
	Consumed uint64

	// Dropped counts queued resources evicted by front commits. They were
	// never delivered.
	Dropped uint64
}

// Stats returns a snapshot. Counters are read atomically; Queued under the
// queue mutex. Values may be slightly stale relative to each other.
func (p *Pipeline[R]) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()

	return Stats{
		Depth:     p.depth,
		InFlight:  p.inflight.Load(),
		Queued:    queued,
		Produced:  p.produced.Load(),
		Rejected:  p.rejected.Load(),
		Abandoned: p.abandoned.Load(),
		Consumed:  p.consumed.Load(),
		Dropped:   p.dropped.Load(),
	}
}
