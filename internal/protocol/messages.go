package protocol

// ClientCommand is a command sent from a viewer frontend to the runtime.
// One flat struct keeps wire-compatible field names across every command
// type; each handler reads the fields its type defines.
type ClientCommand struct {
	Type        string  `json:"type"`
	Model       string  `json:"model,omitempty"`
	Animation   string  `json:"animation,omitempty"`
	Group       string  `json:"group,omitempty"`
	Index       int     `json:"index,omitempty"`
	Priority    int     `json:"priority,omitempty"`
	Loop        bool    `json:"loop,omitempty"`
	RepeatCount int     `json:"repeat_count,omitempty"`
	FadeInMS    int     `json:"fade_in_ms,omitempty"`
	FadeOutMS   int     `json:"fade_out_ms,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	DX          float64 `json:"dx,omitempty"`
	DY          float64 `json:"dy,omitempty"`
	Delta       float64 `json:"delta,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	ContextOK   *bool   `json:"context_ok,omitempty"`
}
