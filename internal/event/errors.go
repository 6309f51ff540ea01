package event

import "errors"

// Sentinel errors for the event bus.
var (
	// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrQueueFull is returned when a subscriber's queue cannot accept more events.
	ErrQueueFull = errors.New("event queue is full")

	// ErrInvalidTopic is returned when a topic is empty or malformed.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrNilHandler is returned when a nil handler is provided.
	ErrNilHandler = errors.New("handler cannot be nil")
)
