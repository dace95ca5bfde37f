package engine

import (
	"context"
	"fmt"
	"time"
)

// Application is the embedder-facing hook set for Run. Setup is called
// once after the DCC worker starts; Update runs every engine tick,
// before the agents' tactical updates; Render runs after them, when the
// embedder wants to present.
type Application interface {
	Setup(e *Engine) error
	Update(ctx context.Context, e *Engine) error
	Render(ctx context.Context, e *Engine) error
}

// Run starts the DCC worker and drives the tactical loop at tickRateHz
// (60 when non-positive) until ctx is cancelled or a hook returns an
// error. Hook errors stop the loop; the engine is always stopped before
// Run returns.
func (e *Engine) Run(ctx context.Context, app Application, tickRateHz int) error {
	if tickRateHz <= 0 {
		tickRateHz = 60
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = e.Stop() }()

	if err := app.Setup(e); err != nil {
		return fmt.Errorf("engine: setup: %w", err)
	}

	ticker := time.NewTicker(time.Second / time.Duration(tickRateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := app.Update(ctx, e); err != nil {
				return fmt.Errorf("engine: update: %w", err)
			}
			e.TickAgents(ctx)
			if err := app.Render(ctx, e); err != nil {
				return fmt.Errorf("engine: render: %w", err)
			}
		}
	}
}
