package journal

import (
	"path/filepath"
	"testing"

	"github.com/reefline/coralctl/internal/coral"
	"github.com/reefline/coralctl/internal/supervisor"
	"github.com/reefline/coralctl/internal/testutil/testlog"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestTransitionRoundTrip(t *testing.T) {
	testlog.Start(t)
	j := openTestJournal(t)

	j.RecordTransition("worker", "inst-1", supervisor.StatePending, supervisor.StateStarting, "")
	j.RecordTransition("worker", "inst-1", supervisor.StateStarting, supervisor.StateRunning, "")
	j.RecordTransition("worker", "inst-1", supervisor.StateRunning, supervisor.StateCrashed, "exit 1")

	events, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// newest first
	if events[0].ToState != string(supervisor.StateCrashed) || events[0].Detail != "exit 1" {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
	if events[2].FromState != string(supervisor.StatePending) {
		t.Fatalf("unexpected oldest event: %+v", events[2])
	}
	if events[0].Category != CategoryTransition || events[0].InstanceID != "inst-1" {
		t.Fatalf("unexpected event shape: %+v", events[0])
	}
}

func TestRecentForAgentFilters(t *testing.T) {
	testlog.Start(t)
	j := openTestJournal(t)

	j.RecordTransition("alpha", "a-1", supervisor.StatePending, supervisor.StateStarting, "")
	j.RecordTransition("beta", "b-1", supervisor.StatePending, supervisor.StateStarting, "")
	j.RecordRegistration("alpha", "http://localhost:8100", coral.StatusActive, "")

	events, err := j.RecentForAgent("alpha", 10)
	if err != nil {
		t.Fatalf("recent for agent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 alpha events, got %d", len(events))
	}
	for _, event := range events {
		if event.AgentID != "alpha" {
			t.Fatalf("foreign event leaked: %+v", event)
		}
	}
}

func TestRegistrationAndBuildEvents(t *testing.T) {
	testlog.Start(t)
	j := openTestJournal(t)

	j.RecordRegistration("worker", "http://localhost:8100", coral.StatusLost, "server unreachable")
	j.RecordBuild("worker", "coralctl/worker:deadbeefcafe", true, "")
	j.RecordBuild("worker", "", false, "base image not found")

	events, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Category != CategoryBuild || events[0].ToState != "failure" {
		t.Fatalf("unexpected failed build event: %+v", events[0])
	}
	if events[1].ToState != "success" {
		t.Fatalf("unexpected build event: %+v", events[1])
	}
	if events[2].Category != CategoryRegistration || events[2].ToState != string(coral.StatusLost) {
		t.Fatalf("unexpected registration event: %+v", events[2])
	}
}

func TestRecentLimitDefaults(t *testing.T) {
	testlog.Start(t)
	j := openTestJournal(t)
	for i := 0; i < 60; i++ {
		j.RecordBuild("worker", "ref", true, "")
	}
	events, err := j.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 50 {
		t.Fatalf("expected default limit of 50, got %d", len(events))
	}
}
