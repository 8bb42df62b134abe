package aggregate

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/tradecore/internal/domain"
)

// shard pairs one Aggregator with its inbox. All ticks for a given symbol
// hash to the same shard, so per-symbol processing is serialized while
// different symbols proceed in parallel.
type shard struct {
	agg *Aggregator
	in  chan domain.Tick
}

// Shards is the concurrent ingestion front for bar aggregation. Submit uses
// bounded channel sends, so a slow shard applies backpressure to the feed
// instead of queueing unboundedly.
type Shards struct {
	shards []*shard
}

// NewShards creates n shards with the given inbox depth. newAgg builds one
// Aggregator per shard.
func NewShards(n, queueDepth int, newAgg func() *Aggregator) *Shards {
	if n <= 0 {
		n = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	s := &Shards{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{
			agg: newAgg(),
			in:  make(chan domain.Tick, queueDepth),
		}
	}
	return s
}

func (s *Shards) pick(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// Submit routes a tick to its symbol's shard, blocking when the shard inbox
// is full until there is room or ctx is cancelled.
func (s *Shards) Submit(ctx context.Context, tick domain.Tick) error {
	sh := s.pick(tick.Symbol)
	select {
	case sh.in <- tick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes ticks on one goroutine per shard until ctx is cancelled. On
// shutdown each shard drains its inbox and force-finalizes open bars.
func (s *Shards) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range s.shards {
		sh := sh
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					for {
						select {
						case tick := <-sh.in:
							sh.agg.Process(tick)
						default:
							sh.agg.ForceFinalize()
							return ctx.Err()
						}
					}
				case tick := <-sh.in:
					sh.agg.Process(tick)
				}
			}
		})
	}
	return g.Wait()
}
