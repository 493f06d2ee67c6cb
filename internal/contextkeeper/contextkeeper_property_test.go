package contextkeeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/treetopdevs/loom/internal/contextkeeper"
	"github.com/treetopdevs/loom/internal/store"
)

// TestStoreIsIdempotentOnRepeatedBatches verifies spec.md §8 universal
// invariant 4: Store is idempotent w.r.t. token_count and persisted
// state when called twice in a row with the same messages — the
// repeat call is a no-op on content.
func TestStoreIsIdempotentOnRepeatedBatches(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("repeating the last batch leaves token_count and message count unchanged", prop.ForAll(
		func(content string, repeats int) bool {
			k, err := contextkeeper.New(context.Background(), contextkeeper.Options{
				ID:       "keeper-prop",
				TeamID:   "team-prop",
				Topic:    "property test",
				Store:    store.NewInMemory(),
				Debounce: time.Hour, // keep the timer from firing mid-test
			})
			if err != nil {
				return false
			}

			batch := []store.Message{{Role: store.RoleUser, Content: content}}
			k.Store(context.Background(), batch, nil)
			wantTokens := k.TokenCount()
			wantLen := len(k.RetrieveAll())

			for i := 0; i < repeats; i++ {
				k.Store(context.Background(), batch, nil)
				if k.TokenCount() != wantTokens {
					return false
				}
				if len(k.RetrieveAll()) != wantLen {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
