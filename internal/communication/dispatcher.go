package communication

import (
	"errors"
	"fmt"
	"sync"
)

// Handler consumes fire-and-forget messages.
type Handler interface {
	Send(msg Message) error
	Shutdown()
}

// BlockingHandler answers requests.
type BlockingHandler interface {
	BlockingSend(msg Message) (Message, error)
	Shutdown()
}

// HandlerFunc adapts a function to Handler with a no-op Shutdown.
type HandlerFunc func(msg Message) error

func (f HandlerFunc) Send(msg Message) error { return f(msg) }
func (f HandlerFunc) Shutdown()              {}

// BlockingHandlerFunc adapts a function to BlockingHandler with a no-op
// Shutdown.
type BlockingHandlerFunc func(msg Message) (Message, error)

func (f BlockingHandlerFunc) BlockingSend(msg Message) (Message, error) { return f(msg) }
func (f BlockingHandlerFunc) Shutdown()                                 {}

// MessageDispatchRegistry routes messages to handlers by kind. Handlers run
// on the goroutine calling Send.
type MessageDispatchRegistry struct {
	mu        sync.RWMutex
	handlers  map[Kind]Handler
	blocking  map[Kind]BlockingHandler
	fallbacks []Handler
	once      sync.Once
}

func NewMessageDispatchRegistry() *MessageDispatchRegistry {
	return &MessageDispatchRegistry{
		handlers: make(map[Kind]Handler),
		blocking: make(map[Kind]BlockingHandler),
	}
}

// Set registers h for kind and returns the handler it replaced, if any.
func (r *MessageDispatchRegistry) Set(kind Kind, h Handler) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.handlers[kind]
	r.handlers[kind] = h
	return previous
}

// SetBlocking registers h to answer requests of kind and returns the handler
// it replaced, if any.
func (r *MessageDispatchRegistry) SetBlocking(kind Kind, h BlockingHandler) BlockingHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.blocking[kind]
	r.blocking[kind] = h
	return previous
}

// AddFallback registers h for messages no kind handler claims. Fallbacks are
// called in the order they were added.
func (r *MessageDispatchRegistry) AddFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, h)
}

// Send dispatches msg. Requests go to their blocking handler and the answer
// (or an ErrorResponseMessage) is written back to the requester.
func (r *MessageDispatchRegistry) Send(msg Message) error {
	if req, ok := msg.(*MessageRequiringResponse); ok {
		return r.dispatchRequest(req)
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Kind()]
	fallbacks := r.fallbacks
	r.mu.RUnlock()

	if ok {
		if err := h.Send(msg); err != nil {
			return &Error{Op: OpDispatch, Err: err}
		}
		return nil
	}

	var errs []error
	for _, f := range fallbacks {
		if err := f.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &Error{Op: OpDispatch, Err: errors.Join(errs...)}
	}
	return nil
}

func (r *MessageDispatchRegistry) dispatchRequest(req *MessageRequiringResponse) error {
	r.mu.RLock()
	h, ok := r.blocking[req.Kind()]
	r.mu.RUnlock()

	source := req.Source()
	fail := func(err error) error {
		dispatchErr := &Error{Op: OpDispatch, Type: source.Type(), Address: source.Address(), Err: err}
		if sendErr := req.SendResponse(&ErrorResponseMessage{Text: err.Error()}); sendErr != nil {
			return errors.Join(dispatchErr, &Error{Op: OpSend, Type: source.Type(), Address: source.Address(), Err: sendErr})
		}
		return dispatchErr
	}

	if !ok {
		return fail(fmt.Errorf("%w: no handler for kind %d", ErrUnknownKind, req.Kind()))
	}

	resp, err := h.BlockingSend(req.Message)
	if err != nil {
		return fail(err)
	}
	if resp == nil {
		return fail(fmt.Errorf("handler for kind %d returned no response", req.Kind()))
	}
	if err := req.SendResponse(resp); err != nil {
		return &Error{Op: OpSend, Type: source.Type(), Address: source.Address(), Err: err}
	}
	return nil
}

// Shutdown calls Shutdown on every registered handler once. Repeated calls
// are no-ops.
func (r *MessageDispatchRegistry) Shutdown() {
	r.once.Do(func() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, h := range r.handlers {
			h.Shutdown()
		}
		for _, h := range r.blocking {
			h.Shutdown()
		}
		for _, h := range r.fallbacks {
			h.Shutdown()
		}
	})
}
