package gateway

// Frame types exchanged with websocket clients. Inbound and outbound frames
// share one envelope; Type selects which fields are meaningful.
const (
	FrameHello     = "hello"
	FrameCommand   = "command"
	FrameSubscribe = "subscribe"
	FrameResult    = "result"
	FrameTelemetry = "telemetry"
	FrameError     = "error"
)

// inFrame is a client-to-agent frame.
type inFrame struct {
	Type string         `json:"type"`
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// outFrame is an agent-to-client frame. ID echoes the client's correlation
// id on result frames.
type outFrame struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	Outcome  string         `json:"outcome,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	Error    string         `json:"error,omitempty"`
	Epoch    uint64         `json:"epoch,omitempty"`
	Seq      uint32         `json:"seq,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Version  string         `json:"version,omitempty"`
	Commands []string       `json:"commands,omitempty"`
}
