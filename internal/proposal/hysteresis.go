package proposal

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// cooldown applies the hysteresis rule for one source. Both sources go
// through it so the record advances once per cycle whichever one decides.
type cooldown struct {
	store  HysteresisStore
	cycles int
	logger *zap.Logger
}

// cycle loads the record, counts this cycle and lets decide pick at most one
// proposal. The record is reset to the emitted kind, or saved with the
// advanced counter when nothing is emitted.
func (c cooldown) cycle(ctx context.Context, decide func(h Hysteresis) (*Proposal, error)) ([]Proposal, error) {
	h, err := c.store.LoadHysteresis(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hysteresis: %w", err)
	}
	h.CyclesSince++

	p, decideErr := decide(h)
	if p == nil {
		if err := c.store.SaveHysteresis(ctx, h); err != nil {
			return nil, fmt.Errorf("save hysteresis: %w", err)
		}
		return nil, decideErr
	}

	if err := c.store.SaveHysteresis(ctx, Hysteresis{LastType: p.Kind, CyclesSince: 0}); err != nil {
		return nil, fmt.Errorf("save hysteresis: %w", err)
	}
	return []Proposal{*p}, nil
}

// suppressed reports whether kind reverses the last emitted kind too soon.
func (c cooldown) suppressed(kind Kind, h Hysteresis) bool {
	opp := kind.Opposite()
	if opp == KindNone || h.LastType != opp || h.CyclesSince >= c.cycles {
		return false
	}
	c.logger.Info("candidate suppressed by cooldown",
		zap.String("kind", string(kind)),
		zap.String("last", string(h.LastType)),
		zap.Int("cycles_since", h.CyclesSince),
		zap.Int("cooldown", c.cycles))
	return true
}
