package board

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the closed set of realtime event names. Payload shapes are
// fixed per type; DecodePayload is the single place the wire format is
// turned into typed payloads.
type EventType string

const (
	// Client -> server.
	EventJoinWorkspace  EventType = "join-workspace"
	EventLeaveWorkspace EventType = "leave-workspace"
	EventUserActivity   EventType = "user-activity"

	// Presence, server -> client.
	EventConnectionReady EventType = "connection-ready"
	EventUserJoined      EventType = "user-joined"
	EventUserLeft        EventType = "user-left"
	EventPresenceUpdate  EventType = "presence-update"
	EventError           EventType = "error"

	// Mutation broadcasts, server -> client.
	EventTodoCreated          EventType = "todo:created"
	EventTodoUpdated          EventType = "todo:updated"
	EventTodoDeleted          EventType = "todo:deleted"
	EventTodoMoved            EventType = "todo:moved"
	EventListCreated          EventType = "list:created"
	EventListUpdated          EventType = "list:updated"
	EventListDeleted          EventType = "list:deleted"
	EventListPositionsUpdated EventType = "list:positions-updated"
	EventLabelCreated         EventType = "label:created"
	EventLabelUpdated         EventType = "label:updated"
	EventLabelDeleted         EventType = "label:deleted"
	EventTodoLabelAdded       EventType = "todo:label-added"
	EventTodoLabelRemoved     EventType = "todo:label-removed"
	EventMemberAssigned       EventType = "todo:member-assigned"
	EventMemberUnassigned     EventType = "todo:member-unassigned"
	EventChecklistItemCreated EventType = "todo:checklist-item-created"
	EventChecklistItemUpdated EventType = "todo:checklist-item-updated"
	EventChecklistItemDeleted EventType = "todo:checklist-item-deleted"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Event is the wire frame for the realtime channel.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into a wire frame. Marshal failures are
// programming errors (all payload types are plain structs), so they panic.
func NewEvent(eventType EventType, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal %s payload: %v", eventType, err))
	}
	return Event{Type: eventType, Payload: raw}
}

// TodoPatch carries the optional fields of a todo update. Pointer fields
// distinguish "absent" from zero so partial payloads merge field-wise.
// Assignment changes travel on dedicated member events, never in a patch.
type TodoPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
	DueTime     *string `json:"dueTime,omitempty"`
	Position    *int    `json:"position,omitempty"`
}

type ListPatch struct {
	Name     *string `json:"name,omitempty"`
	Position *int    `json:"position,omitempty"`
}

type LabelPatch struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

type ChecklistItemPatch struct {
	Title    *string `json:"title,omitempty"`
	Done     *bool   `json:"done,omitempty"`
	Position *int    `json:"position,omitempty"`
}

type JoinWorkspacePayload struct {
	WorkspaceID int64 `json:"workspaceId"`
}

type LeaveWorkspacePayload struct {
	WorkspaceID int64 `json:"workspaceId"`
}

type UserActivityPayload struct {
	WorkspaceID int64  `json:"workspaceId,omitempty"`
	UserID      int64  `json:"userId,omitempty"`
	Username    string `json:"username,omitempty"`
	Activity    string `json:"activity"`
}

type UserJoinedPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type UserLeftPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type PresenceUpdatePayload struct {
	WorkspaceID int64              `json:"workspaceId"`
	Members     []PresenceSnapshot `json:"members"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type ConnectionReadyPayload struct {
	ConnectionID string `json:"connectionId"`
}

type TodoCreatedPayload struct {
	Todo Todo `json:"todo"`
}

type TodoUpdatedPayload struct {
	TodoID   int64     `json:"todoId"`
	Revision int64     `json:"revision"`
	Fields   TodoPatch `json:"fields"`
}

type TodoDeletedPayload struct {
	TodoID int64 `json:"todoId"`
	ListID int64 `json:"listId"`
}

type TodoMovedPayload struct {
	TodoID     int64 `json:"todoId"`
	FromListID int64 `json:"fromListId"`
	ToListID   int64 `json:"toListId"`
	Position   int   `json:"position"`
	Revision   int64 `json:"revision"`
}

type ListCreatedPayload struct {
	List List `json:"list"`
}

type ListUpdatedPayload struct {
	ListID   int64     `json:"listId"`
	Revision int64     `json:"revision"`
	Fields   ListPatch `json:"fields"`
}

type ListDeletedPayload struct {
	ListID int64 `json:"listId"`
}

type ListPosition struct {
	ListID   int64 `json:"listId"`
	Position int   `json:"position"`
}

type ListPositionsUpdatedPayload struct {
	Positions []ListPosition `json:"positions"`
}

type LabelCreatedPayload struct {
	Label Label `json:"label"`
}

type LabelUpdatedPayload struct {
	LabelID  int64      `json:"labelId"`
	Revision int64      `json:"revision"`
	Fields   LabelPatch `json:"fields"`
}

type LabelDeletedPayload struct {
	LabelID int64 `json:"labelId"`
}

type TodoLabelAddedPayload struct {
	TodoID int64 `json:"todoId"`
	Label  Label `json:"label"`
}

type TodoLabelRemovedPayload struct {
	TodoID  int64 `json:"todoId"`
	LabelID int64 `json:"labelId"`
}

type MemberAssignedPayload struct {
	TodoID   int64 `json:"todoId"`
	UserID   int64 `json:"userId"`
	Revision int64 `json:"revision"`
}

type MemberUnassignedPayload struct {
	TodoID   int64 `json:"todoId"`
	UserID   int64 `json:"userId"`
	Revision int64 `json:"revision"`
}

type ChecklistItemCreatedPayload struct {
	Item ChecklistItem `json:"item"`
}

type ChecklistItemUpdatedPayload struct {
	TodoID   int64              `json:"todoId"`
	ItemID   int64              `json:"itemId"`
	Revision int64              `json:"revision"`
	Fields   ChecklistItemPatch `json:"fields"`
}

type ChecklistItemDeletedPayload struct {
	TodoID int64 `json:"todoId"`
	ItemID int64 `json:"itemId"`
}

// DecodePayload unmarshals the event payload into the fixed struct for its
// type. Unknown types return ErrUnknownEvent so callers can drop the frame
// without touching any state.
func DecodePayload(event Event) (any, error) {
	var target any
	switch event.Type {
	case EventJoinWorkspace:
		target = &JoinWorkspacePayload{}
	case EventLeaveWorkspace:
		target = &LeaveWorkspacePayload{}
	case EventUserActivity:
		target = &UserActivityPayload{}
	case EventUserJoined:
		target = &UserJoinedPayload{}
	case EventUserLeft:
		target = &UserLeftPayload{}
	case EventPresenceUpdate:
		target = &PresenceUpdatePayload{}
	case EventError:
		target = &ErrorPayload{}
	case EventConnectionReady:
		target = &ConnectionReadyPayload{}
	case EventTodoCreated:
		target = &TodoCreatedPayload{}
	case EventTodoUpdated:
		target = &TodoUpdatedPayload{}
	case EventTodoDeleted:
		target = &TodoDeletedPayload{}
	case EventTodoMoved:
		target = &TodoMovedPayload{}
	case EventListCreated:
		target = &ListCreatedPayload{}
	case EventListUpdated:
		target = &ListUpdatedPayload{}
	case EventListDeleted:
		target = &ListDeletedPayload{}
	case EventListPositionsUpdated:
		target = &ListPositionsUpdatedPayload{}
	case EventLabelCreated:
		target = &LabelCreatedPayload{}
	case EventLabelUpdated:
		target = &LabelUpdatedPayload{}
	case EventLabelDeleted:
		target = &LabelDeletedPayload{}
	case EventTodoLabelAdded:
		target = &TodoLabelAddedPayload{}
	case EventTodoLabelRemoved:
		target = &TodoLabelRemovedPayload{}
	case EventMemberAssigned:
		target = &MemberAssignedPayload{}
	case EventMemberUnassigned:
		target = &MemberUnassignedPayload{}
	case EventChecklistItemCreated:
		target = &ChecklistItemCreatedPayload{}
	case EventChecklistItemUpdated:
		target = &ChecklistItemUpdatedPayload{}
	case EventChecklistItemDeleted:
		target = &ChecklistItemDeletedPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event.Type)
	}
	if err := json.Unmarshal(event.Payload, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return target, nil
}
