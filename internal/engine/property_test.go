package engine_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/poltergeist/spectre/internal/engine"
	"github.com/poltergeist/spectre/pkg/types"
)

// randomDAG builds n units where each unit may depend on any earlier one
func randomDAG(n int, seed int64, action types.Action) []*types.UnitOfWork {
	r := rand.New(rand.NewSource(seed))
	units := make([]*types.UnitOfWork, n)
	for i := 0; i < n; i++ {
		u := genericUnit(fmt.Sprintf("u%02d", i), action)
		for j := 0; j < i; j++ {
			if r.Intn(3) == 0 {
				u.DependsOn = append(u.DependsOn, units[j].ID)
			}
		}
		units[i] = u
	}
	// shuffle declaration order; the graph must not depend on it
	r.Shuffle(n, func(i, j int) { units[i], units[j] = units[j], units[i] })
	return units
}

// TestEngine_PredecessorsFinishFirst verifies that no action starts before
// every one of its dependencies has finished.
// Property: finished(dep) < started(unit) for every edge
func TestEngine_PredecessorsFinishFirst(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("dependencies finish before dependents start", prop.ForAll(
		func(n int, seed int64, parallelism int) bool {
			var (
				clock    atomic.Int64
				mu       sync.Mutex
				started  = make(map[string]int64)
				finished = make(map[string]int64)
			)
			r := rand.New(rand.NewSource(seed))
			delays := make(map[string]time.Duration)
			for i := 0; i < n; i++ {
				delays[fmt.Sprintf("u%02d", i)] = time.Duration(r.Intn(3)) * time.Millisecond
			}

			action := func(_ context.Context, ec *types.ExecContext) error {
				id := ec.Unit.ID
				mu.Lock()
				started[id] = clock.Add(1)
				mu.Unlock()
				time.Sleep(delays[id])
				mu.Lock()
				finished[id] = clock.Add(1)
				mu.Unlock()
				return nil
			}

			units := randomDAG(n, seed, action)
			f := newFixture(t, false)
			res := f.run(engine.Options{Parallelism: parallelism}, units...)

			if res.Summary().Counts[types.StateExecuted] != n {
				return false
			}
			for _, u := range units {
				for _, dep := range u.DependsOn {
					if finished[dep] >= started[u.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.Int64(),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
