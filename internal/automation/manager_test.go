package automation_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/automation"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
)

func newTestManager(t *testing.T, stateFile string, defaultEnabled bool) (*automation.Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	m := automation.NewManager(zap.NewNop(), bus, automation.ManagerConfig{
		StateFile:      stateFile,
		DefaultEnabled: defaultEnabled,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return m, bus
}

func TestToggleDisableAndPersist(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	m, bus := newTestManager(t, stateFile, true)

	var changes []*events.AutomationStateChangedEvent
	bus.Subscribe(events.EventTypeAutomationStateChanged, func(e events.Event) error {
		changes = append(changes, e.(*events.AutomationStateChangedEvent))
		return nil
	})

	bus.Publish(events.NewAutomationToggleEvent(events.ToggleDisable, "maintenance", "test"))

	if m.IsEnabled() {
		t.Fatal("Manager should be disabled after the toggle")
	}
	if len(changes) != 1 {
		t.Fatalf("Expected 1 state change event, got %d", len(changes))
	}
	if changes[0].Enabled || !changes[0].PreviousEnabled {
		t.Errorf("Change should be true -> false, got %v -> %v",
			changes[0].PreviousEnabled, changes[0].Enabled)
	}
	if changes[0].Reason != "maintenance" || changes[0].RequestedBy != "test" {
		t.Errorf("Provenance lost: %+v", changes[0])
	}

	if _, err := os.Stat(stateFile); err != nil {
		t.Errorf("State file should exist after a change: %v", err)
	}

	// A fresh manager picks the persisted state up, overriding the default.
	m2, _ := newTestManager(t, stateFile, true)
	if m2.IsEnabled() {
		t.Error("Restarted manager should load the persisted disabled state")
	}
	if m2.State().Reason != "maintenance" {
		t.Errorf("Persisted reason = %s, want maintenance", m2.State().Reason)
	}
}

func TestSameStateToggleIsSilent(t *testing.T) {
	m, bus := newTestManager(t, filepath.Join(t.TempDir(), "state.json"), true)

	changes := 0
	bus.Subscribe(events.EventTypeAutomationStateChanged, func(e events.Event) error {
		changes++
		return nil
	})

	bus.Publish(events.NewAutomationToggleEvent(events.ToggleEnable, "already on", "test"))

	if changes != 0 {
		t.Errorf("Enabling an enabled manager should not broadcast, got %d events", changes)
	}
	if !m.IsEnabled() {
		t.Error("State should be unchanged")
	}
}

func TestQueryBroadcastsWithoutChanging(t *testing.T) {
	m, bus := newTestManager(t, filepath.Join(t.TempDir(), "state.json"), false)

	var changes []*events.AutomationStateChangedEvent
	bus.Subscribe(events.EventTypeAutomationStateChanged, func(e events.Event) error {
		changes = append(changes, e.(*events.AutomationStateChangedEvent))
		return nil
	})

	bus.Publish(events.NewAutomationToggleEvent(events.ToggleQuery, "status check", "test"))

	if len(changes) != 1 {
		t.Fatalf("QUERY should always broadcast, got %d events", len(changes))
	}
	if changes[0].Enabled != changes[0].PreviousEnabled {
		t.Error("QUERY must report previous == current")
	}
	if changes[0].Enabled {
		t.Error("QUERY should report the actual (disabled) state")
	}
	if m.IsEnabled() {
		t.Error("QUERY must not change state")
	}
}

func TestCorruptStateFileFallsBack(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(stateFile, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	m, _ := newTestManager(t, stateFile, true)
	if !m.IsEnabled() {
		t.Error("Corrupt state file should fall back to the default")
	}
}

func TestBackupRotationOnChanges(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	m, bus := newTestManager(t, stateFile, true)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	step := 0
	m.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	})

	bus.Publish(events.NewAutomationToggleEvent(events.ToggleDisable, "first", "test"))
	bus.Publish(events.NewAutomationToggleEvent(events.ToggleEnable, "second", "test"))

	if _, err := os.Stat(stateFile + ".bak.1"); err != nil {
		t.Errorf("Second change should rotate the previous file to .bak.1: %v", err)
	}
	if m.CounterValue(automation.MetricStateChanges) != 2 {
		t.Errorf("State change counter = %d, want 2", m.CounterValue(automation.MetricStateChanges))
	}
}

func TestUnknownActionIgnored(t *testing.T) {
	m, bus := newTestManager(t, filepath.Join(t.TempDir(), "state.json"), true)

	changes := 0
	bus.Subscribe(events.EventTypeAutomationStateChanged, func(e events.Event) error {
		changes++
		return nil
	})

	m.HandleToggle(events.ToggleAction("RESTART"), "bad", "test")

	if changes != 0 {
		t.Errorf("Unknown action should not broadcast, got %d events", changes)
	}
	if !m.IsEnabled() {
		t.Error("Unknown action must not change state")
	}
	_ = bus
}
