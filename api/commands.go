package api

// CommandKind names an intent emitted by one replay pass.
type CommandKind string

const (
	CommandScheduleActivity  CommandKind = "ScheduleActivity"
	CommandStartTimer        CommandKind = "StartTimer"
	CommandSendSignal        CommandKind = "SendSignal"
	CommandStartChildProcess CommandKind = "StartChildProcess"
	CommandRecordSideEffect  CommandKind = "RecordSideEffect"
	CommandCompleteProcess   CommandKind = "CompleteProcess"
	CommandFailProcess       CommandKind = "FailProcess"
	CommandCancelProcess     CommandKind = "CancelProcess"
	CommandContinueAsNew     CommandKind = "ContinueAsNew"
)

// IsTerminal reports whether the command closes the run.
func (k CommandKind) IsTerminal() bool {
	switch k {
	case CommandCompleteProcess, CommandFailProcess, CommandCancelProcess, CommandContinueAsNew:
		return true
	}
	return false
}

// Command is the output of workflow logic. Event holds the history event the
// command turns into; fields that depend on commit time (timer deadline, child
// and successor run ids) are filled in when the command is committed.
type Command struct {
	Kind     CommandKind `json:"kind"`
	Seq      int64       `json:"seq,omitempty"`
	Identity string      `json:"identity,omitempty"`
	Event    Event       `json:"-"`
}
