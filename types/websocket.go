package types

import "time"

// ProgressMessage is the WebSocket frame pushed to subscribers on every
// published task update
type ProgressMessage struct {
	TaskID      string     `json:"taskId"`
	Type        string     `json:"type"` // "progress", "status", "complete", "error"
	Status      TaskStatus `json:"status"`
	PhaseDetail string     `json:"phaseDetail,omitempty"`
	Progress    Progress   `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// MessageFor builds the push frame for a task snapshot
func MessageFor(t *Task) ProgressMessage {
	msg := ProgressMessage{
		TaskID:      t.ID,
		Type:        "progress",
		Status:      t.Status,
		PhaseDetail: t.PhaseDetail,
		Progress:    t.Progress,
		Timestamp:   time.Now(),
	}
	switch {
	case t.Status == StatusCompleted:
		msg.Type = "complete"
	case t.Status == StatusError:
		msg.Type = "error"
		if t.Error != nil {
			msg.Message = t.Error.Message
		}
	}
	return msg
}
