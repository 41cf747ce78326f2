package wire

import "context"

// Handler is the interface for wire message handlers
type Handler interface {
	// Handle processes a wire message and returns a response, or nil for
	// message types that respond asynchronously over the stream.
	Handle(ctx context.Context, clientID string, msg *Message) (*Message, error)
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, clientID string, msg *Message) (*Message, error)

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, clientID string, msg *Message) (*Message, error) {
	return f(ctx, clientID, msg)
}

// Dispatcher routes ingress messages to handlers based on message type
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a message type
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes a message to the appropriate handler
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return NewErrorMessage(msg.RequestID, ErrorCodeUnknownType,
			"Unknown message type: "+msg.Type, nil), nil
	}
	return handler.Handle(ctx, clientID, msg)
}

// HasHandler returns true if a handler is registered for the message type
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}
