package stream

// Client operations.
const (
	OpValue       = "value"
	OpChildAdded  = "child_added"
	OpUnsubscribe = "unsubscribe"
)

// Server events.
const (
	EventValue      = "value"
	EventChildAdded = "child_added"
	EventError      = "error"
)

// ClientFrame is a request sent by a subscriber. ID is chosen by the client
// and echoed on every event of the subscription.
type ClientFrame struct {
	Op   string `json:"op"`
	ID   int64  `json:"id"`
	Path string `json:"path,omitempty"`
}

// ServerFrame is one event pushed to a subscriber.
type ServerFrame struct {
	ID     int64  `json:"id"`
	Event  string `json:"event"`
	Path   string `json:"path,omitempty"`
	Key    string `json:"key,omitempty"`
	Exists bool   `json:"exists,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}
