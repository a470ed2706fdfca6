package runner

import "github.com/google/uuid"

// TaskID identifies a Task or IdleTask for diagnostics and execution-history
// reporting. The zero value is never produced by GenerateTaskID and is used
// as the "no id" sentinel.
type TaskID struct {
	v uuid.UUID
}

// IsZero reports whether id is the zero-value sentinel.
func (id TaskID) IsZero() bool {
	return id.v == uuid.Nil
}

// String renders id in its canonical textual form.
func (id TaskID) String() string {
	if id.IsZero() {
		return "task-id-zero"
	}
	return id.v.String()
}

// GenerateTaskID returns a fresh, process-unique TaskID.
func GenerateTaskID() TaskID {
	return TaskID{v: uuid.New()}
}
