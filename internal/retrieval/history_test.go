package retrieval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRingBehavior(t *testing.T) {
	t.Run("evicts oldest beyond the cap", func(t *testing.T) {
		history := NewHistory(3)
		for i := 0; i < 5; i++ {
			history.Add(&Context{ID: fmt.Sprintf("r%d", i)})
		}

		assert.Equal(t, 3, history.Len())

		recent := history.Recent(3)
		require.Len(t, recent, 3)
		assert.Equal(t, "r4", recent[0].ID)
		assert.Equal(t, "r2", recent[2].ID)
	})

	t.Run("recent with zero limit returns all", func(t *testing.T) {
		history := NewHistory(10)
		history.Add(&Context{ID: "a"})
		history.Add(&Context{ID: "b"})

		recent := history.Recent(0)
		require.Len(t, recent, 2)
		assert.Equal(t, "b", recent[0].ID)
	})

	t.Run("defaults the cap", func(t *testing.T) {
		history := NewHistory(0)
		for i := 0; i < 60; i++ {
			history.Add(&Context{})
		}
		assert.Equal(t, 50, history.Len())
	})
}
