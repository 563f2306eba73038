package graph

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"capaudit/internal/capability"
)

// Propagate computes every node's effective set:
//
//	effective(n) = intrinsic(n) ∪ ⋃ inherited(effective(d)) for d in deps(n)
//
// where only normal edges count: build, dev and proc-macro dependencies run
// at build time and never reach the dependent's users.
// The graph is checked for cycles first. Nodes are folded by up to workers
// goroutines as soon as all their dependencies are final, each exactly once.
// Effective sets are written back only if the whole fold succeeds.
func Propagate(ctx context.Context, g *Graph, workers int) error {
	return propagate(ctx, g, workers, nil)
}

func propagate(ctx context.Context, g *Graph, workers int, onFold func(*Node)) error {
	order, err := g.TopoOrder()
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return nil
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, len(order))

	index := make(map[string]int, len(order))
	for i, n := range order {
		index[n.Key()] = i
	}
	pending := make([]atomic.Int32, len(order))
	dependents := make([][]int, len(order))
	for i, n := range order {
		pending[i].Store(int32(len(n.Deps)))
		for _, d := range n.Deps {
			dependents[index[d]] = append(dependents[index[d]], i)
		}
	}

	effective := make([]capability.Set, len(order))
	ready := make(chan int, len(order))
	for i := range order {
		if pending[i].Load() == 0 {
			ready <- i
		}
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(order)))

	fold := func(i int) {
		n := order[i]
		eff := n.Intrinsic
		for _, d := range n.NormalDeps() {
			eff = eff.Union(effective[index[d]].Inherited())
		}
		effective[i] = eff
		if onFold != nil {
			onFold(n)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for range workers {
		eg.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case i, ok := <-ready:
					if !ok {
						return nil
					}
					fold(i)
					for _, j := range dependents[i] {
						if pending[j].Add(-1) == 0 {
							ready <- j
						}
					}
					if remaining.Add(-1) == 0 {
						close(ready)
					}
				}
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("graph: propagate: %w", err)
	}

	for i, n := range order {
		n.Effective = effective[i]
	}
	return nil
}
