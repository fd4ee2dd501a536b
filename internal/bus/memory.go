package bus

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryBus is an in-process log with the same contract as Kafka:
// partitioned topics, per-key ordering, consumer groups with offsets, and
// at-least-once delivery. New groups start at offset zero, so a projection
// rebuild is just subscribing under a fresh group name.
type MemoryBus struct {
	mu         sync.Mutex
	cond       *sync.Cond
	partitions int
	topics     map[string][][]Message    // topic -> partition -> records
	offsets    map[string][]int          // group "|" topic -> per-partition offset
	closed     bool
}

const defaultPartitions = 8

func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		partitions: defaultPartitions,
		topics:     make(map[string][][]Message),
		offsets:    make(map[string][]int),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBus) partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % b.partitions
}

func (b *MemoryBus) ensureTopic(topic string) [][]Message {
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make([][]Message, b.partitions)
	}
	return b.topics[topic]
}

// Publish appends each message to its key's partition.
func (b *MemoryBus) Publish(_ context.Context, msgs ...Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		parts := b.ensureTopic(m.Topic)
		p := b.partitionFor(m.Key)
		parts[p] = append(parts[p], m)
	}
	b.cond.Broadcast()
	return nil
}

// Subscribe delivers every partition of topic to h, sequentially within a
// partition and concurrently across partitions. Blocks until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	b.ensureTopic(topic)
	offKey := group + "|" + topic
	if _, ok := b.offsets[offKey]; !ok {
		b.offsets[offKey] = make([]int, b.partitions)
	}
	b.mu.Unlock()

	// Wake waiters when the context ends.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	var wg sync.WaitGroup
	for p := 0; p < b.partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			b.consumePartition(ctx, topic, offKey, p, h)
		}(p)
	}
	wg.Wait()
	return ctx.Err()
}

func (b *MemoryBus) consumePartition(ctx context.Context, topic, offKey string, p int, h Handler) {
	for {
		b.mu.Lock()
		for ctx.Err() == nil && !b.closed && b.offsets[offKey][p] >= len(b.topics[topic][p]) {
			b.cond.Wait()
		}
		if ctx.Err() != nil || b.closed {
			b.mu.Unlock()
			return
		}
		off := b.offsets[offKey][p]
		msg := b.topics[topic][p][off]
		b.mu.Unlock()

		if err := h(ctx, msg); err != nil {
			// Redeliver after a short pause; offset stays put.
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		b.mu.Lock()
		b.offsets[offKey][p] = off + 1
		b.mu.Unlock()
	}
}

// Close wakes all subscribers; their Subscribe calls return once their
// contexts end.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}
