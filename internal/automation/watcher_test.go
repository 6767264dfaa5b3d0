package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
)

func newPollWatcher(t *testing.T) (*Watcher, *events.Bus, string, string) {
	t.Helper()
	dir := t.TempDir()
	toggle := filepath.Join(dir, "toggle.txt")
	actionLog := filepath.Join(dir, "actions.log")

	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	w := NewWatcher(zap.NewNop(), bus, WatcherConfig{
		ToggleFile:    toggle,
		ActionLogFile: actionLog,
		// Long interval: the tests drive poll() directly.
		PollInterval: time.Hour,
	})
	return w, bus, toggle, actionLog
}

// writeToggle writes the file with an explicit mtime so polls see a change
// deterministically.
func writeToggle(t *testing.T, path, content string, at time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
}

func collectToggles(bus *events.Bus) *[]*events.AutomationToggleEvent {
	var toggles []*events.AutomationToggleEvent
	bus.Subscribe(events.EventTypeAutomationToggle, func(e events.Event) error {
		toggles = append(toggles, e.(*events.AutomationToggleEvent))
		return nil
	})
	return &toggles
}

func TestWatcherPublishesCommands(t *testing.T) {
	w, bus, toggle, _ := newPollWatcher(t)
	toggles := collectToggles(bus)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	writeToggle(t, toggle, "disable\n", base)
	w.poll()

	if len(*toggles) != 1 {
		t.Fatalf("Expected 1 toggle event, got %d", len(*toggles))
	}
	evt := (*toggles)[0]
	if evt.Action != events.ToggleDisable {
		t.Errorf("Lowercase content should normalize to DISABLE, got %s", evt.Action)
	}
	if evt.RequestedBy != "file_watcher" {
		t.Errorf("RequestedBy = %s, want file_watcher", evt.RequestedBy)
	}

	writeToggle(t, toggle, "  ENABLE  ", base.Add(time.Minute))
	w.poll()
	if len(*toggles) != 2 || (*toggles)[1].Action != events.ToggleEnable {
		t.Fatalf("Whitespace-padded ENABLE should publish, got %+v", *toggles)
	}
}

func TestWatcherDuplicateContent(t *testing.T) {
	w, bus, toggle, actionLog := newPollWatcher(t)
	toggles := collectToggles(bus)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	writeToggle(t, toggle, "ENABLE", base)
	w.poll()

	// Same content, newer mtime: logged as duplicate, no event.
	writeToggle(t, toggle, "ENABLE", base.Add(time.Minute))
	w.poll()

	if len(*toggles) != 1 {
		t.Fatalf("Duplicate content must not re-publish, got %d events", len(*toggles))
	}
	data, err := os.ReadFile(actionLog)
	if err != nil {
		t.Fatalf("Action log missing: %v", err)
	}
	if !strings.Contains(string(data), "| DUPLICATE |") {
		t.Errorf("Action log should note the duplicate:\n%s", data)
	}
}

func TestWatcherInvalidAndEmptyContent(t *testing.T) {
	w, bus, toggle, actionLog := newPollWatcher(t)
	toggles := collectToggles(bus)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	writeToggle(t, toggle, "RESTART", base)
	w.poll()

	writeToggle(t, toggle, "   \n", base.Add(time.Minute))
	w.poll()

	if len(*toggles) != 0 {
		t.Fatalf("Invalid and empty content must not publish, got %d events", len(*toggles))
	}
	data, _ := os.ReadFile(actionLog)
	if !strings.Contains(string(data), "| INVALID | RESTART") {
		t.Errorf("Invalid command should be logged:\n%s", data)
	}
	if !strings.Contains(string(data), "| EMPTY |") {
		t.Errorf("Empty content should be logged:\n%s", data)
	}
}

func TestWatcherUnchangedFileIgnored(t *testing.T) {
	w, bus, toggle, _ := newPollWatcher(t)
	toggles := collectToggles(bus)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	writeToggle(t, toggle, "ENABLE", base)
	w.poll()
	w.poll()
	w.poll()

	if len(*toggles) != 1 {
		t.Errorf("Unchanged mtime should not re-read the file, got %d events", len(*toggles))
	}
}

func TestWatcherStaleContentOnStart(t *testing.T) {
	w, bus, toggle, _ := newPollWatcher(t)
	toggles := collectToggles(bus)

	// Content written before the watcher starts is stale.
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	writeToggle(t, toggle, "DISABLE", base)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	w.poll()
	if len(*toggles) != 0 {
		t.Fatalf("Stale pre-start content must not publish, got %d events", len(*toggles))
	}

	// A genuinely new command still goes through.
	writeToggle(t, toggle, "ENABLE", base.Add(time.Minute))
	w.poll()
	if len(*toggles) != 1 || (*toggles)[0].Action != events.ToggleEnable {
		t.Errorf("Post-start command should publish, got %+v", *toggles)
	}
}

func TestWatcherStartStopLifecycle(t *testing.T) {
	w, _, _, _ := newPollWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Second Start should fail while running")
	}

	w.Stop()
	w.Stop() // safe to repeat

	if err := w.Start(); err != nil {
		t.Errorf("Restart after Stop should work: %v", err)
	}
	w.Stop()
}

func TestActionLogRotation(t *testing.T) {
	dir := t.TempDir()
	actionLog := filepath.Join(dir, "actions.log")

	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	w := NewWatcher(zap.NewNop(), bus, WatcherConfig{
		ToggleFile:        filepath.Join(dir, "toggle.txt"),
		ActionLogFile:     actionLog,
		PollInterval:      time.Hour,
		ActionLogMaxBytes: 64,
		ActionLogKeep:     2,
	})

	for i := 0; i < 12; i++ {
		w.actionLog("COMMAND", "ENABLE")
	}

	if _, err := os.Stat(actionLog + ".1"); err != nil {
		t.Errorf("Oversized log should rotate to .1: %v", err)
	}
	info, err := os.Stat(actionLog)
	if err != nil {
		t.Fatalf("Active log missing after rotation: %v", err)
	}
	if info.Size() >= 64*3 {
		t.Errorf("Active log should shrink after rotation, %d bytes", info.Size())
	}
}
