// Package automation owns the engine-wide on/off switch: a mutex-guarded
// state manager persisted as JSON, driven by toggle events from the file
// watcher, the HTTP API and tests.
package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/service"
)

// Manager counter names.
const (
	MetricTogglesProcessed = "toggles_processed"
	MetricStateChanges     = "state_changes"
	MetricPersistErrors    = "persist_errors"
)

// ManagerConfig configures the automation state manager.
type ManagerConfig struct {
	StateFile      string `json:"state_file"`
	DefaultEnabled bool   `json:"default_enabled"`
	BackupCount    int    `json:"backup_count"`
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StateFile:      "data/automation_state.json",
		DefaultEnabled: true,
		BackupCount:    3,
	}
}

// State is a snapshot of the persisted automation state.
type State struct {
	Enabled     bool      `json:"enabled"`
	LastChanged time.Time `json:"last_changed"`
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	SavedAt     time.Time `json:"saved_at"`
}

// Manager holds the automation flag behind a single mutex and persists
// every committed change atomically.
type Manager struct {
	*service.Base
	config ManagerConfig
	clock  func() time.Time

	mu    sync.Mutex
	state State
}

// NewManager creates the automation manager, loading persisted state when
// present. A missing or corrupt state file falls back to the configured
// default.
func NewManager(logger *zap.Logger, bus *events.Bus, config ManagerConfig) *Manager {
	if config.BackupCount <= 0 {
		config.BackupCount = DefaultManagerConfig().BackupCount
	}
	m := &Manager{
		Base:   service.NewBase("automation_manager", bus, logger),
		config: config,
		clock:  time.Now,
	}
	m.state = m.loadState()
	return m
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// Start subscribes the manager to toggle requests.
func (m *Manager) Start() error {
	if err := m.MarkRunning(); err != nil {
		return err
	}
	m.Subscribe(events.EventTypeAutomationToggle, m.onToggle)
	m.Logger().Info("Automation manager started",
		zap.Bool("enabled", m.IsEnabled()),
		zap.String("state_file", m.config.StateFile),
	)
	return nil
}

// Stop shuts the manager down. State is already on disk.
func (m *Manager) Stop() {
	m.Shutdown()
}

// IsEnabled reports whether automated entries are allowed.
func (m *Manager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Enabled
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) onToggle(event events.Event) error {
	toggle, ok := event.(*events.AutomationToggleEvent)
	if !ok {
		return nil
	}
	m.HandleToggle(toggle.Action, toggle.Reason, toggle.RequestedBy)
	return nil
}

// HandleToggle applies one toggle command. QUERY never changes state but
// always broadcasts with previous == current; a same-state ENABLE/DISABLE
// is silent.
func (m *Manager) HandleToggle(action events.ToggleAction, reason, requestedBy string) {
	m.IncCounter(MetricTogglesProcessed)

	m.mu.Lock()
	previous := m.state.Enabled

	switch action {
	case events.ToggleQuery:
		current := m.state.Enabled
		changedAt := m.state.LastChanged
		m.mu.Unlock()
		m.Publish(events.NewAutomationStateChangedEvent(current, current, reason, requestedBy, changedAt))
		return

	case events.ToggleEnable, events.ToggleDisable:
		target := action == events.ToggleEnable
		if target == previous {
			m.mu.Unlock()
			return
		}
		now := m.clock()
		m.state = State{
			Enabled:     target,
			LastChanged: now,
			Reason:      reason,
			RequestedBy: requestedBy,
			SavedAt:     now,
		}
		snapshot := m.state
		m.mu.Unlock()

		if err := m.persist(snapshot); err != nil {
			m.IncCounter(MetricPersistErrors)
			m.Logger().Error("State persist failed", zap.Error(err))
		}
		m.IncCounter(MetricStateChanges)
		m.Logger().Info("Automation state changed",
			zap.Bool("enabled", target),
			zap.String("reason", reason),
			zap.String("requested_by", requestedBy),
		)
		m.Publish(events.NewAutomationStateChangedEvent(target, previous, reason, requestedBy, snapshot.LastChanged))
		return

	default:
		m.mu.Unlock()
		m.Logger().Warn("Unknown toggle action", zap.String("action", string(action)))
	}
}

// loadState reads the persisted state, falling back to the default on any
// problem.
func (m *Manager) loadState() State {
	fallback := State{Enabled: m.config.DefaultEnabled}

	data, err := os.ReadFile(m.config.StateFile)
	if os.IsNotExist(err) {
		return fallback
	}
	if err != nil {
		m.Logger().Warn("State file unreadable, using default", zap.Error(err))
		return fallback
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		m.Logger().Warn("State file corrupt, using default", zap.Error(err))
		return fallback
	}
	return loaded
}

// persist writes the state atomically: same-dir tmp file, fsync, rotate the
// existing file into .bak.1..N, rename over the target.
func (m *Manager) persist(s State) error {
	dir := filepath.Dir(m.config.StateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := m.config.StateFile + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	m.rotateBackups()
	return os.Rename(tmp, m.config.StateFile)
}

// rotateBackups shifts state.bak.1..N-1 up by one (dropping the oldest) and
// moves the current file to .bak.1. Rotation failures are non-fatal.
func (m *Manager) rotateBackups() {
	n := m.config.BackupCount
	oldest := fmt.Sprintf("%s.bak.%d", m.config.StateFile, n)
	os.Remove(oldest)
	for i := n - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.bak.%d", m.config.StateFile, i)
		to := fmt.Sprintf("%s.bak.%d", m.config.StateFile, i+1)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	if _, err := os.Stat(m.config.StateFile); err == nil {
		os.Rename(m.config.StateFile, m.config.StateFile+".bak.1")
	}
}
