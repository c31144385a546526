package router

import (
	"context"

	"github.com/acnlabs/acn/pkg/a2a"
)

// Wildcard matches every inbound message regardless of dispatch key.
const Wildcard = "*"

// Handler consumes an inbound A2A message. fromAgent is the sender id when
// the transport knows it, otherwise empty. Handler errors are logged and do
// not stop later handlers.
type Handler func(ctx context.Context, fromAgent string, msg *a2a.Message) error

// RegisterHandler subscribes a handler to a dispatch key. The key matches
// the notification_type or type field of inbound data parts; Wildcard
// receives everything.
func (r *Router) RegisterHandler(key string, h Handler) {
	if key == "" || h == nil {
		return
	}
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handlers[key] = append(r.handlers[key], h)
}

// Dispatch routes an inbound message to its registered handlers: typed
// matches first, wildcards after. Returns the number of handlers invoked.
func (r *Router) Dispatch(ctx context.Context, fromAgent string, msg *a2a.Message) int {
	if msg == nil {
		return 0
	}
	key := msg.DispatchKey()

	r.handlerMu.RLock()
	var run []Handler
	if key != "" {
		run = append(run, r.handlers[key]...)
	}
	run = append(run, r.handlers[Wildcard]...)
	r.handlerMu.RUnlock()

	for _, h := range run {
		if err := h(ctx, fromAgent, msg); err != nil {
			r.logger.Error().
				Err(err).
				Str("dispatch_key", key).
				Str("from", fromAgent).
				Msg("Inbound handler failed")
		}
	}
	return len(run)
}
