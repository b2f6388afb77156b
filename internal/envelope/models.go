package envelope

// Kind identifies the payload shape carried by an Envelope.
type Kind string

// Envelope kinds.
const (
	KindStatus     Kind = "agent.status"
	KindMessage    Kind = "agent.message"
	KindPosition   Kind = "agent.position"
	KindTaskAssign Kind = "task.assign"
	KindControl    Kind = "agent.control"
	KindSnapshot   Kind = "snapshot"
)

// Agent lifecycle statuses.
const (
	StatusIdle      = "idle"
	StatusThinking  = "thinking"
	StatusReplied   = "replied"
	StatusAvailable = "available"
	StatusError     = "error"
	StatusWorking   = "working"
	StatusBlocked   = "blocked"
	StatusFinished  = "finished"
	StatusReviewed  = "reviewed"
)

// Message channels.
const (
	ChannelLog   = "log"
	ChannelReply = "reply"
	ChannelTask  = "task"
)

// Control commands.
const (
	CommandReset  = "reset"
	CommandDelete = "delete"
)

// Task statuses.
const (
	TaskAssigned = "assigned"
	TaskDone     = "done"
)

// MaxMessages is the capacity of an agent's recent-message ring.
const MaxMessages = 20

var validStatuses = map[string]bool{
	StatusIdle: true, StatusThinking: true, StatusReplied: true,
	StatusAvailable: true, StatusError: true, StatusWorking: true,
	StatusBlocked: true, StatusFinished: true, StatusReviewed: true,
}

var validChannels = map[string]bool{
	ChannelLog: true, ChannelReply: true, ChannelTask: true,
}

var validCommands = map[string]bool{
	CommandReset: true, CommandDelete: true,
}

var validTaskStatuses = map[string]bool{
	TaskAssigned: true, TaskDone: true,
}

// ValidStatus reports whether s is a known agent lifecycle status.
func ValidStatus(s string) bool { return validStatuses[s] }

// Point is a 2D coordinate used for desks and live positions.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Message is one entry of an agent's recent-message ring.
type Message struct {
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	Timestamp   string `json:"timestamp"`
	Collapsible bool   `json:"collapsible,omitempty"`
}

// AgentRecord is the last-known state of one spawned CLI process.
type AgentRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status"`
	Summary  string    `json:"summary"`
	Messages []Message `json:"messages"`
	Desk     *Point    `json:"desk,omitempty"`
	Position *Point    `json:"position,omitempty"`
	CLI      string    `json:"cli,omitempty"`
	LastSeen string    `json:"lastSeen,omitempty"`
}

// TaskRecord is a unit of work assigned to an agent.
type TaskRecord struct {
	TaskID    string `json:"taskId"`
	AgentID   string `json:"agentId"`
	Title     string `json:"title"`
	Details   string `json:"details,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// StatusPayload is the payload of an agent.status envelope.
type StatusPayload struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// MessagePayload is the payload of an agent.message envelope.
type MessagePayload struct {
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	Collapsible *bool  `json:"collapsible,omitempty"`
}

// PositionPayload is the payload of an agent.position envelope. Both
// coordinates are required, so they decode into pointers.
type PositionPayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// TaskAssignPayload is the payload of a task.assign envelope.
type TaskAssignPayload struct {
	TaskID  string `json:"taskId"`
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
}

// ControlPayload is the payload of an agent.control envelope.
type ControlPayload struct {
	Command string `json:"command"`
}

// SnapshotPayload carries the relay's entire agent and task collections.
type SnapshotPayload struct {
	Agents []AgentRecord `json:"agents"`
	Tasks  []TaskRecord  `json:"tasks"`
}
