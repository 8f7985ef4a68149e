// Package hooks provides default Hooks implementations.
package hooks

import (
	"context"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// It is the default when no custom hooks are provided, removing nil checks
// from call sites.
type NopHooks struct{}

var (
	_ func(context.Context, int, types.ExpiryReason) error = (*NopHooks)(nil).OnSubscriptionExpired
	_ func(context.Context, error) error                   = (*NopHooks)(nil).OnError
)

// NewNop creates Hooks with no-op implementations.
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnSubscriptionExpired: h.OnSubscriptionExpired,
		OnError:               h.OnError,
	}
}

// Fill returns h with every nil callback replaced by its no-op counterpart.
func Fill(h *types.Hooks) types.Hooks {
	nop := NewNop()
	if h == nil {
		return nop
	}

	out := *h
	if out.OnSubscriptionExpired == nil {
		out.OnSubscriptionExpired = nop.OnSubscriptionExpired
	}
	if out.OnError == nil {
		out.OnError = nop.OnError
	}

	return out
}

// OnSubscriptionExpired is a no-op implementation.
func (h *NopHooks) OnSubscriptionExpired(context.Context, int, types.ExpiryReason) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(context.Context, error) error {
	return nil
}
