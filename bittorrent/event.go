package bittorrent

import "errors"

// Event represents the event an announcing client reports.
type Event uint8

// The possible announce events.
const (
	None Event = iota
	Started
	Completed
	Stopped
	Paused
)

// ErrUnknownEvent is returned when an announce carries an event string this
// tracker doesn't recognize.
var ErrUnknownEvent = errors.New("invalid event given.")

var eventToString = map[Event]string{
	None:      "",
	Started:   "started",
	Completed: "completed",
	Stopped:   "stopped",
	Paused:    "paused",
}

var stringToEvent = map[string]Event{
	"":          None,
	"started":   Started,
	"completed": Completed,
	"stopped":   Stopped,
	"paused":    Paused,
}

// String returns the wire representation of the Event.
func (e Event) String() string {
	return eventToString[e]
}

// NewEvent parses the wire representation of an announce event.
func NewEvent(s string) (Event, error) {
	e, ok := stringToEvent[s]
	if !ok {
		return None, ErrUnknownEvent
	}
	return e, nil
}
