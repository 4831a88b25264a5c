package escalation

import (
	"errors"
	"fmt"
)

// ErrInvalidAction is returned when an action name cannot be decoded.
var ErrInvalidAction = errors.New("invalid action")

// Action is a user-initiated resolution of a ringing reminder.
type Action int

const (
	ActionDone Action = iota
	ActionSnooze
	ActionAcknowledge
	ActionDismiss
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionSnooze:
		return "snooze"
	case ActionAcknowledge:
		return "im_on_it"
	case ActionDismiss:
		return "dismiss"
	default:
		return "unknown"
	}
}

// ParseAction decodes an action name. Unknown names are a decode-time error,
// not a default branch.
func ParseAction(name string) (Action, error) {
	switch name {
	case "done":
		return ActionDone, nil
	case "snooze":
		return ActionSnooze, nil
	case "im_on_it":
		return ActionAcknowledge, nil
	case "dismiss":
		return ActionDismiss, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, name)
	}
}
