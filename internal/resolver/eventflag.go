package resolver

import "github.com/speedfog/racing-core/internal/domain"

// EventFlagOutcome is the tri-state result of resolving a flag_id:
// Finish, NodeID populated, or Unknown (none set).
type EventFlagOutcome struct {
	Finish bool
	NodeID string
	Unknown bool
}

// ResolveEventFlag implements spec.md §4.4: the finish event wins first,
// then the seed's event_map, and anything else is logged by the caller as
// unknown with no state change.
func ResolveEventFlag(flagID int64, graph *domain.Graph) EventFlagOutcome {
	if flagID == graph.FinishEvent {
		return EventFlagOutcome{Finish: true}
	}
	if nodeID, ok := graph.EventMap[flagID]; ok {
		return EventFlagOutcome{NodeID: nodeID}
	}
	return EventFlagOutcome{Unknown: true}
}
