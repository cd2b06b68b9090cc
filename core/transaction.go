package core

// Action identifies the kind of mutation a transaction records.
type Action int

const (
	ActionAddObject Action = iota
	ActionDeleteObject
	ActionUpdateElement
	ActionDeleteElement
	ActionUpdateAttribute
	ActionDeleteAttribute
	ActionComment
)

func (a Action) String() string {
	switch a {
	case ActionAddObject:
		return "add_object"
	case ActionDeleteObject:
		return "delete_object"
	case ActionUpdateElement:
		return "update_element"
	case ActionDeleteElement:
		return "delete_element"
	case ActionUpdateAttribute:
		return "update_attribute"
	case ActionDeleteAttribute:
		return "delete_attribute"
	case ActionComment:
		return "comment"
	default:
		return "unknown"
	}
}

// Transaction is one entry of the repository's append-only mutation log.
// Timestamps are monotonically non-decreasing within a single log.
// Comment transactions carry no object; ObjectID may be empty for them.
type Transaction struct {
	Timestamp int64
	ObjectID  string
	Action    Action
}

// TouchesDocument reports whether replaying this transaction requires
// (re)deriving or deleting the object's index document.
func (t Transaction) TouchesDocument() bool {
	return t.Action != ActionComment && t.ObjectID != ""
}
