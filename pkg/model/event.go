package model

import "time"

// EventType identifies a sandbox lifecycle transition.
type EventType string

const (
	EventProvisioned     EventType = "provisioned"
	EventProvisionFailed EventType = "provision_failed"
	EventTornDown        EventType = "torn_down"
	EventCourseEnded     EventType = "course_ended"
)

// Event is a lifecycle notification published for a course.
type Event struct {
	CourseID  int64     `json:"course_id"`
	Type      EventType `json:"type"`
	StudentID int64     `json:"student_id,omitempty"`
	Sandbox   string    `json:"sandbox,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
