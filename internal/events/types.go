package events

import "github.com/pmd/pmd/pkg/types"

// Event categories. A subscriber can follow a single event type, a category
// or every event.
const (
	CategoryLifecycle    = "lifecycle"
	CategoryTermination  = "termination"
	CategoryNotification = "notification"
	CategorySystem       = "system"
)

// AllTopics subscribes to every event.
const AllTopics = "*"

// EventCategory maps event types to their category.
var EventCategory = map[string]string{
	// Lifecycle
	types.EventProcessLaunched:   CategoryLifecycle,
	types.EventLaunchFailed:      CategoryLifecycle,
	types.EventProcessExited:     CategoryLifecycle,
	types.EventProcessReleased:   CategoryLifecycle,
	types.EventDebugQueued:       CategoryLifecycle,
	types.EventForegroundChanged: CategoryLifecycle,

	// Termination
	types.EventTerminationSent: CategoryTermination,
	types.EventProcessForced:   CategoryTermination,
	types.EventRebootPrepared:  CategoryTermination,

	// Notification
	types.EventNotification: CategoryNotification,

	// System
	types.EventCPUTimeChanged: CategorySystem,
}

// AllEventTypes lists all event types.
var AllEventTypes = []string{
	types.EventProcessLaunched, types.EventLaunchFailed, types.EventProcessExited,
	types.EventProcessReleased, types.EventDebugQueued, types.EventForegroundChanged,
	types.EventTerminationSent, types.EventProcessForced, types.EventRebootPrepared,
	types.EventNotification,
	types.EventCPUTimeChanged,
}

// Category returns the category of an event type, or "unknown".
func Category(eventType string) string {
	if c, ok := EventCategory[eventType]; ok {
		return c
	}
	return "unknown"
}

// ValidTopic reports whether topic names an event type, a category or
// AllTopics.
func ValidTopic(topic string) bool {
	if topic == AllTopics {
		return true
	}
	if _, ok := EventCategory[topic]; ok {
		return true
	}
	for _, c := range EventCategory {
		if c == topic {
			return true
		}
	}
	return false
}
