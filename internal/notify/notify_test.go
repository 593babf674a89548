package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Account provisioning finished",
		Message: "completed: 5/5 attempted",
		Type:    NotifySuccess,
		Kind:    domain.JobProvision,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.Text != "Account provisioning finished" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Color != "good" || got.Attachments[0].Title != "provision" {
		t.Errorf("unexpected attachments: %+v", got.Attachments)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("expected 403 error, got %v", err)
	}
}

func TestSlackNotifier_Disabled(t *testing.T) {
	if err := NewSlackNotifier("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier should not error: %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called, err: errors.New("mock1 down")}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	err := multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
	if err == nil || !strings.Contains(err.Error(), "mock1 down") {
		t.Errorf("expected combined error, got %v", err)
	}
}

func TestRunFinished(t *testing.T) {
	tests := []struct {
		name  string
		state domain.RunState
		want  NotificationType
		title string
	}{
		{"clean", domain.RunState{Phase: domain.PhaseCompleted, TargetCount: 2, CompletedCount: 2, SucceededCount: 2}, NotifySuccess, "Account provisioning finished"},
		{"failures", domain.RunState{Phase: domain.PhaseCompleted, TargetCount: 2, CompletedCount: 2, SucceededCount: 1, FailedCount: 1}, NotifyWarning, "Account provisioning finished with failures"},
		{"stopped", domain.RunState{Phase: domain.PhaseStopped, TargetCount: 2, CompletedCount: 1, SucceededCount: 1}, NotifyWarning, "Account provisioning stopped"},
		{"failed", domain.RunState{Phase: domain.PhaseFailed, TargetCount: 2}, NotifyError, "Account provisioning aborted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := RunFinished(domain.JobProvision, tt.state)
			if n.Type != tt.want {
				t.Errorf("Type = %v, want %v", n.Type, tt.want)
			}
			if n.Title != tt.title {
				t.Errorf("Title = %q, want %q", n.Title, tt.title)
			}
			if n.Message != tt.state.Summary() {
				t.Errorf("Message = %q", n.Message)
			}
		})
	}
}

func TestDesktopNotifier(t *testing.T) {
	var gotName string
	var gotArgs []string
	d := NewDesktopNotifier(true)
	d.run = func(name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	}

	if err := d.Send(Notification{Title: `say "hi"`, Message: "done", Type: NotifyWarning}); err != nil {
		t.Fatal(err)
	}

	switch runtime.GOOS {
	case "linux":
		if gotName != "notify-send" || gotArgs[1] != "dialog-warning" {
			t.Errorf("unexpected command %s %v", gotName, gotArgs)
		}
	case "darwin":
		if gotName != "osascript" || !strings.Contains(gotArgs[1], `say \"hi\"`) {
			t.Errorf("unexpected command %s %v", gotName, gotArgs)
		}
	}

	gotName = ""
	if err := NewDesktopNotifier(false).Send(Notification{}); err != nil || gotName != "" {
		t.Error("disabled notifier should do nothing")
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}
