package health

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/tonecoach/internal/pool"
	"github.com/MrWong99/tonecoach/internal/resilience"
)

// PoolChecker passes once every key of p holds at least the pool's minimum
// number of entries.
func PoolChecker(p *pool.Pool) Checker {
	return Checker{
		Name: "pool",
		Check: func(context.Context) error {
			if p.Ready() {
				return nil
			}
			minimum := p.Config().Min
			var low []string
			for _, st := range p.Stats() {
				if st.Len < minimum {
					low = append(low, st.Key.String())
				}
			}
			return fmt.Errorf("%d keys below %d entries: %s", len(low), minimum, strings.Join(low, ", "))
		},
	}
}

// LLMChecker fails when the circuit of every configured LLM backend is open.
func LLMChecker(fb *resilience.LLMFallback) Checker {
	return Checker{
		Name: "llm",
		Check: func(context.Context) error {
			if fb.Healthy() {
				return nil
			}
			states := fb.States()
			parts := make([]string, 0, len(states))
			for _, name := range slices.Sorted(maps.Keys(states)) {
				parts = append(parts, name+"="+states[name].String())
			}
			return fmt.Errorf("no LLM backend available (%s)", strings.Join(parts, ", "))
		},
	}
}
