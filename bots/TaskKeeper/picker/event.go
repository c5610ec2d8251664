package picker

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Prefix starts callback data of every picker button.
const Prefix = "dp:"

var errMalformedEvent = errors.New("malformed picker event")

type EventKind int

const (
	EventSet EventKind = iota
	EventStage
	EventSave
	EventCancel
)

// Event is a picker button press decoded from callback data:
// dp:set:<field>:<value>, dp:stage:<field>, dp:save or dp:cancel.
type Event struct {
	Kind  EventKind
	Stage Stage
	Value int
}

func SetEvent(st Stage, v int) Event { return Event{Kind: EventSet, Stage: st, Value: v} }
func StageEvent(st Stage) Event      { return Event{Kind: EventStage, Stage: st} }
func SaveEvent() Event               { return Event{Kind: EventSave} }
func CancelEvent() Event             { return Event{Kind: EventCancel} }

func IsEvent(data string) bool {
	return strings.HasPrefix(data, Prefix)
}

func ParseEvent(data string) (Event, error) {
	if !IsEvent(data) {
		return Event{}, errMalformedEvent
	}

	parts := strings.Split(strings.TrimPrefix(data, Prefix), ":")
	switch {
	case parts[0] == "save" && len(parts) == 1:
		return SaveEvent(), nil

	case parts[0] == "cancel" && len(parts) == 1:
		return CancelEvent(), nil

	case parts[0] == "stage" && len(parts) == 2:
		st, err := ParseStage(parts[1])
		if err != nil {
			return Event{}, err
		}
		return StageEvent(st), nil

	case parts[0] == "set" && len(parts) == 3:
		st, err := ParseStage(parts[1])
		if err != nil {
			return Event{}, err
		}
		v, err := strconv.Atoi(parts[2])
		if err != nil {
			return Event{}, errors.Wrap(errMalformedEvent, err.Error())
		}
		return SetEvent(st, v), nil
	}

	return Event{}, errors.Wrapf(errMalformedEvent, "%q", data)
}

// Data encodes the event as callback data.
func (e Event) Data() string {
	switch e.Kind {
	case EventSet:
		return Prefix + "set:" + e.Stage.String() + ":" + strconv.Itoa(e.Value)
	case EventStage:
		return Prefix + "stage:" + e.Stage.String()
	case EventSave:
		return Prefix + "save"
	default:
		return Prefix + "cancel"
	}
}

// Apply changes the session according to a set or stage event.
func (s *Session) Apply(e Event) error {
	switch e.Kind {
	case EventSet:
		return s.Set(e.Stage, e.Value)
	case EventStage:
		return s.SwitchStage(e.Stage)
	}
	return nil
}
