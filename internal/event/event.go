// A collection of event names and common methods used to handle the events, typically
// redirecting the handling to another component (such as the activity websocket) via
// the `EventHandler` interface.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/clipvault/ingest/internal/jobs"
	"github.com/clipvault/ingest/pkg/logger"
)

var log = logger.Get("Events")

// Events emitted by the ingestion workers that other, silo'd parts of the service
// (currently the activity websocket) are interested in.
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		mu           sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	// JOB_UPDATE is dispatched whenever a job changes status (claimed, done,
	// failed or requeued). Payload is a jobs.Job snapshot.
	JOB_UPDATE Event = "job:update"

	// JOB_PROGRESS is dispatched as a claimed job moves through the pipeline.
	// Payload is a jobs.Job snapshot with the latest progress.
	JOB_PROGRESS Event = "job:update:progress"

	// CATALOG_UPDATE is dispatched after a video has been appended to the catalog.
	// Payload is the video ID as a string.
	CATALOG_UPDATE Event = "catalog:update"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. It is recomended to buffer the handler channels
// appropiately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be
// called with the payload for the event whenever it is dispatched.
// The handle provided should be guaranteed to return quickly, else workers calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction is the same as RegisterHandlerFunction, except the handle
// is called inside of a goroutine.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and forwards the payload to every handler
// registered for the event type provided.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.ERROR, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.mu.RLock()
	fnHandles := handler.fnHandlers[event]
	chanHandles := handler.chanHandlers[event]
	handler.mu.RUnlock()

	for _, handle := range fnHandles {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	if len(chanHandles) > 0 {
		payload := HandlerEvent{event, payload}
		for _, handle := range chanHandles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event specified. An error
// will be returned if the payload is not valid, and the event should not be sent to the registered
// handlers in this case.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case JOB_UPDATE:
		fallthrough
	case JOB_PROGRESS:
		if _, ok := payload.(jobs.Job); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected jobs.Job payload", payloadTypeName, event)
		}

		return nil
	case CATALOG_UPDATE:
		if _, ok := payload.(string); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected string payload", payloadTypeName, event)
		}

		return nil
	}

	return errors.New("event type not recognized for validation")
}
