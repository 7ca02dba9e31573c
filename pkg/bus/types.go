package bus

import "time"

// Task is one unit of work submitted by a front-end bridge. ID correlates a
// task with its reply and with log lines across the pipeline.
type Task struct {
	ID          string
	Description string
	UserID      string
	Platform    string
	ChatID      string
	Workspace   string
	Files       []string
	Metadata    map[string]string
	ArrivedAt   time.Time
}

// Reply carries a handled task's user-facing output back to a bridge.
type Reply struct {
	TaskID     string
	Platform   string
	ChatID     string
	Content    string
	Status     string
	DurationMS int64
}
