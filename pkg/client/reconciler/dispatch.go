package reconciler

import (
	"fmt"

	"github.com/cbodonnell/townsquare/pkg/messages"
)

// Behavior is what a notification does to local state.
type Behavior int

const (
	// BehaviorRefresh marks the cached game stale and re-pulls it. The payload is never merged.
	BehaviorRefresh Behavior = iota
	// BehaviorLogAppend appends to the game's chat log.
	BehaviorLogAppend
	// BehaviorAdvisory is delivered to privileged listeners only.
	BehaviorAdvisory
)

func (b Behavior) String() string {
	switch b {
	case BehaviorRefresh:
		return "refresh"
	case BehaviorLogAppend:
		return "log-append"
	case BehaviorAdvisory:
		return "advisory"
	}
	return fmt.Sprintf("behavior(%d)", int(b))
}

// dispatchTable maps every inbound event name to exactly one behavior.
// Events missing from it are dropped.
var dispatchTable = map[string]Behavior{
	messages.EventGameUpdated:         BehaviorRefresh,
	messages.EventChatMessage:         BehaviorLogAppend,
	messages.EventPlayerAction:        BehaviorAdvisory,
	messages.EventStorytellerUpdate:   BehaviorAdvisory,
	messages.EventNightActionReceived: BehaviorAdvisory,
}

// Classify returns the behavior for an event name.
func Classify(event string) (Behavior, bool) {
	b, ok := dispatchTable[event]
	return b, ok
}
