package domain

type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusAssembling RunStatus = "assembling"
	StatusRunning    RunStatus = "running"
	StatusSucceeded  RunStatus = "succeeded"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusAssembling, StatusRunning:
		return false
	default:
		return false
	}
}
