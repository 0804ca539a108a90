package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"crossarb/internal/composite"
	"crossarb/internal/scheduler"
)

// RegisterReconstructors wires every strategy context type into the
// scheduler's recovery table. Call once at startup, after the
// composite registry exists; reconstructed tasks resolve their venues
// lazily on first execution.
func RegisterReconstructors(registry *composite.Registry, logger *slog.Logger) {
	scheduler.RegisterReconstructor(IcebergContextType, func(raw json.RawMessage) (scheduler.Task, error) {
		var ctx IcebergContext
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, fmt.Errorf("decode iceberg context: %w", err)
		}
		return NewIcebergTask(ctx, registry, logger)
	})

	scheduler.RegisterReconstructor(DeltaNeutralContextType, func(raw json.RawMessage) (scheduler.Task, error) {
		var ctx DeltaNeutralContext
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, fmt.Errorf("decode delta-neutral context: %w", err)
		}
		return NewDeltaNeutralTask(ctx, registry, logger)
	})

	scheduler.RegisterReconstructor(CrossExchangeContextType, func(raw json.RawMessage) (scheduler.Task, error) {
		var ctx CrossExchangeContext
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, fmt.Errorf("decode cross-exchange context: %w", err)
		}
		return NewCrossExchangeTask(ctx, registry, logger)
	})
}
