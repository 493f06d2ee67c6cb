package queryrouter_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	busPkg "github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/queryrouter"
)

// TestForwardStrictlyBoundsHops verifies spec.md §8 universal
// invariant 5: Forward strictly increments hops, and no query may be
// forwarded more than its configured max_hops times.
func TestForwardStrictlyBoundsHops(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hops never exceeds max_hops and increments by exactly one per successful forward", prop.ForAll(
		func(maxHops, attempts int) bool {
			b := busPkg.New()
			defer b.Close()
			r := queryrouter.New(b)

			id := r.Ask(context.Background(), "team-1", "alice", "how is auth wired?", queryrouter.AskOptions{
				Target:  "bob",
				MaxHops: maxHops,
			})

			prevHops := 0
			for i := 0; i < attempts; i++ {
				err := r.Forward(context.Background(), id, "alice", "carol", "enrichment")
				hops := r.Hops(id)

				if hops < prevHops {
					return false
				}
				if err == nil {
					if hops != prevHops+1 {
						return false
					}
					if hops > maxHops {
						return false
					}
				} else if err != queryrouter.ErrMaxHopsReached {
					return false
				} else if hops != prevHops {
					return false
				}
				prevHops = hops
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
