package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atmx/chain-engine/internal/model"
)

func TestOrderUnwound_MatchesLiquidationOrder(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	closed := func(seq int, at time.Time) model.Position {
		return model.Position{Seq: seq, ClosedAt: &at}
	}

	// Rows arrive by seq. The first liquidation closed 3 then 2, a later one
	// closed 4.
	ps := []model.Position{closed(2, first), closed(3, first), closed(4, second)}
	orderUnwound(ps)

	var seqs []int
	for _, p := range ps {
		seqs = append(seqs, p.Seq)
	}
	assert.Equal(t, []int{3, 2, 4}, seqs)
}
