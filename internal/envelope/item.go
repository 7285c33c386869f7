package envelope

// Item models payload.item as a sum type over the shapes the history
// sync projector and diff projector care about. Unknown preserves the
// original JSON so nothing is lost for types we don't special-case.
type ItemType string

const (
	ItemReasoning    ItemType = "reasoning"
	ItemAgentMessage ItemType = "agent_message"
	ItemToolCall     ItemType = "tool_call"
	ItemToolResult   ItemType = "tool_result"
	ItemFileChange   ItemType = "file_change"
	ItemUserMessage  ItemType = "user_message"
	ItemUnknown      ItemType = "unknown"
)

// FileChangeKind enumerates the kinds of change recorded against a path.
type FileChangeKind string

const (
	ChangeAdd    FileChangeKind = "add"
	ChangeDelete FileChangeKind = "delete"
	ChangeUpdate FileChangeKind = "update"
)

// FileChangeEntry is one path's change within an item.completed
// file_change payload.
type FileChangeEntry struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
}

// ItemOf extracts payload["item"] as a map, or nil if absent/malformed.
func ItemOf(payload map[string]any) map[string]any {
	raw, ok := payload["item"]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

// ItemTypeOf reads item.type, defaulting to ItemUnknown.
func ItemTypeOf(item map[string]any) ItemType {
	if item == nil {
		return ItemUnknown
	}
	t, _ := item["type"].(string)
	switch ItemType(t) {
	case ItemReasoning, ItemAgentMessage, ItemToolCall, ItemToolResult, ItemFileChange, ItemUserMessage:
		return ItemType(t)
	default:
		return ItemUnknown
	}
}

// TextOf reads item.text if present.
func TextOf(item map[string]any) (string, bool) {
	if item == nil {
		return "", false
	}
	t, ok := item["text"].(string)
	return t, ok
}
