package canvas

// ToolState is the local drawing-tool selection and its options.
//
// ToolState is strictly local: it is never serialized over the sync
// channel and only ever persisted to the local tool-state store. Remote
// updates must not be able to reach it - the Session keeps the element
// path and the tool path fully disjoint.
type ToolState struct {
	SelectedTool string         `json:"selectedTool" yaml:"selected_tool"`
	ToolOptions  map[string]any `json:"toolOptions,omitempty" yaml:"tool_options,omitempty"`
	LastChangeAt int64          `json:"lastChangeAt" yaml:"last_change_at"` // wall-clock ms
}

// DefaultToolState is the tool selection for a fresh session with no
// persisted state.
func DefaultToolState() ToolState {
	return ToolState{SelectedTool: "selection"}
}

// Clone returns a copy with its own options map.
func (t ToolState) Clone() ToolState {
	if t.ToolOptions != nil {
		opts := make(map[string]any, len(t.ToolOptions))
		for k, v := range t.ToolOptions {
			opts[k] = v
		}
		t.ToolOptions = opts
	}
	return t
}
