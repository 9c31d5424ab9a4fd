// Package device exposes the three instruments the cooldown controller
// interlocks against as narrow interfaces. The concrete implementations are
// thin wrappers over the interlock store: commands are published for the
// driver monitor processes to execute, status is read back from the keys
// those monitors maintain. Nothing here talks to hardware directly.
package device

import (
	"context"

	"github.com/coldloop/magnetd/internal/interlock"
)

// HeatSwitch moves the thermal clamp between its two endpoints. Moves take
// tens of seconds; callers must re-observe position rather than assume a
// commanded move completed.
type HeatSwitch interface {
	Close(ctx context.Context) error
	Open(ctx context.Context) error
	IsOpened(ctx context.Context) (bool, error)
	IsClosed(ctx context.Context) (bool, error)
}

type storeHeatSwitch struct {
	st interlock.Store
}

// NewHeatSwitch returns a store-mediated HeatSwitch.
func NewHeatSwitch(st interlock.Store) HeatSwitch {
	return &storeHeatSwitch{st: st}
}

func (h *storeHeatSwitch) Close(ctx context.Context) error {
	return h.st.Publish(ctx, interlock.CommandPrefix+interlock.HeatswitchMoveKey, interlock.PositionClosed)
}

func (h *storeHeatSwitch) Open(ctx context.Context) error {
	return h.st.Publish(ctx, interlock.CommandPrefix+interlock.HeatswitchMoveKey, interlock.PositionOpened)
}

// IsOpened reports any position other than the closed end stop as open.
// The motor only asserts "closed" when the clamp is fully seated, and the
// cycle must treat a partially open switch as open.
func (h *storeHeatSwitch) IsOpened(ctx context.Context) (bool, error) {
	pos, err := h.st.Read(ctx, interlock.HeatswitchPositionKey)
	if err != nil {
		return false, err
	}
	return pos != interlock.PositionClosed, nil
}

func (h *storeHeatSwitch) IsClosed(ctx context.Context) (bool, error) {
	pos, err := h.st.Read(ctx, interlock.HeatswitchPositionKey)
	if err != nil {
		return false, err
	}
	return pos == interlock.PositionClosed, nil
}
