package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications through the OS notification center
type DesktopNotifier struct {
	enabled bool
	run     func(name string, args ...string) error
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + escapeAppleScript(n.Message) +
			`" with title "` + escapeAppleScript(n.Title) + `"`
		return d.run("osascript", "-e", script)
	case "linux":
		return d.run("notify-send", "--icon", IconForType(n.Type), n.Title, n.Message)
	default:
		return nil
	}
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
