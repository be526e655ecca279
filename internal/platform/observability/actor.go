package observability

import (
	"context"
	"sync"
)

type actorHolderKey struct{}

// actorHolder lets inner middleware report the actor back to the request logger.
type actorHolder struct {
	mu    sync.Mutex
	value string
}

func (h *actorHolder) set(actor string) {
	h.mu.Lock()
	h.value = actor
	h.mu.Unlock()
}

func (h *actorHolder) actor() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

func withActorHolder(ctx context.Context, holder *actorHolder) context.Context {
	return context.WithValue(ctx, actorHolderKey{}, holder)
}

func actorHolderFrom(ctx context.Context) *actorHolder {
	holder, _ := ctx.Value(actorHolderKey{}).(*actorHolder)
	return holder
}
