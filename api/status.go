package api

// Status of a single run.
type Status string

const (
	StatusRunning        Status = "Running"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusTimedOut       Status = "TimedOut"
	StatusCanceled       Status = "Canceled"
	StatusTerminated     Status = "Terminated"
	StatusContinuedAsNew Status = "ContinuedAsNew"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether the run is closed. Every status but Running is.
func (s Status) IsTerminal() bool {
	return s != StatusRunning && s != ""
}

// StatusOf returns the status a terminal event closes a run with.
func StatusOf(e Event) (Status, bool) {
	switch e.(type) {
	case *ProcessCompleted:
		return StatusCompleted, true
	case *ProcessFailed:
		return StatusFailed, true
	case *ProcessTimedOut:
		return StatusTimedOut, true
	case *ProcessCanceled:
		return StatusCanceled, true
	case *ProcessTerminated:
		return StatusTerminated, true
	case *ContinuedAsNew:
		return StatusContinuedAsNew, true
	default:
		return StatusRunning, false
	}
}
