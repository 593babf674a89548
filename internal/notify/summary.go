package notify

import (
	"fmt"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

var kindTitles = map[domain.JobKind]string{
	domain.JobProvision: "Account provisioning",
	domain.JobJoin:      "Group joining",
}

// RunFinished builds the summary notification for a terminal run
func RunFinished(kind domain.JobKind, s domain.RunState) Notification {
	title, ok := kindTitles[kind]
	if !ok {
		title = string(kind)
	}

	n := Notification{Kind: kind, Message: s.Summary()}
	switch {
	case s.Phase == domain.PhaseFailed:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("%s aborted", title)
	case s.Phase == domain.PhaseStopped:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("%s stopped", title)
	case s.FailedCount > 0:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("%s finished with failures", title)
	default:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("%s finished", title)
	}
	return n
}
