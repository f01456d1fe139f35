package broker

import (
	"github.com/glimte/mmate-httpbridge/contracts"
)

// EventKind identifies one of the four subscription stream events
type EventKind int

const (
	EventMessage EventKind = iota
	EventError
	EventDebug
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventDebug:
		return "debug"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// MessageListener is offered a delivered message and returns true to claim it.
// A claimed message belongs to the listener, which must settle it.
type MessageListener func(msg *contracts.Message) bool

// ErrorListener receives stream errors and debug notices
type ErrorListener func(err error)

// CloseListener is called when the stream ends
type CloseListener func()

// Registration identifies one registered listener by its exact event kind and id
type Registration struct {
	Kind EventKind
	id   uint64
}

// Valid reports whether the registration refers to a listener
func (r Registration) Valid() bool {
	return r.id != 0
}

// Listenable is the listener surface of a subscription
type Listenable interface {
	Name() string
	OnMessage(fn MessageListener) Registration
	OnError(fn ErrorListener) Registration
	OnDebug(fn ErrorListener) Registration
	OnClose(fn CloseListener) Registration
	Off(reg Registration) bool
}

type messageEntry struct {
	id uint64
	fn MessageListener
}

type errorEntry struct {
	id uint64
	fn ErrorListener
}

type closeEntry struct {
	id uint64
	fn CloseListener
}

// listenerSet holds registered listeners in registration order
type listenerSet struct {
	nextID  uint64
	version uint64
	message []messageEntry
	errors  []errorEntry
	debug   []errorEntry
	close   []closeEntry
}

func (ls *listenerSet) allocate(kind EventKind) Registration {
	ls.nextID++
	return Registration{Kind: kind, id: ls.nextID}
}

func (ls *listenerSet) addMessage(fn MessageListener) Registration {
	reg := ls.allocate(EventMessage)
	ls.message = append(ls.message, messageEntry{id: reg.id, fn: fn})
	ls.version++
	return reg
}

func (ls *listenerSet) addError(kind EventKind, fn ErrorListener) Registration {
	reg := ls.allocate(kind)
	entry := errorEntry{id: reg.id, fn: fn}
	if kind == EventDebug {
		ls.debug = append(ls.debug, entry)
	} else {
		ls.errors = append(ls.errors, entry)
	}
	return reg
}

func (ls *listenerSet) addClose(fn CloseListener) Registration {
	reg := ls.allocate(EventClose)
	ls.close = append(ls.close, closeEntry{id: reg.id, fn: fn})
	return reg
}

// remove deletes the listener matching both kind and id
func (ls *listenerSet) remove(reg Registration) bool {
	if !reg.Valid() {
		return false
	}
	switch reg.Kind {
	case EventMessage:
		for i, e := range ls.message {
			if e.id == reg.id {
				ls.message = append(ls.message[:i:i], ls.message[i+1:]...)
				return true
			}
		}
	case EventError:
		for i, e := range ls.errors {
			if e.id == reg.id {
				ls.errors = append(ls.errors[:i:i], ls.errors[i+1:]...)
				return true
			}
		}
	case EventDebug:
		for i, e := range ls.debug {
			if e.id == reg.id {
				ls.debug = append(ls.debug[:i:i], ls.debug[i+1:]...)
				return true
			}
		}
	case EventClose:
		for i, e := range ls.close {
			if e.id == reg.id {
				ls.close = append(ls.close[:i:i], ls.close[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (ls *listenerSet) count(kind EventKind) int {
	switch kind {
	case EventMessage:
		return len(ls.message)
	case EventError:
		return len(ls.errors)
	case EventDebug:
		return len(ls.debug)
	case EventClose:
		return len(ls.close)
	}
	return 0
}
