package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
)

// WatcherConfig configures the file toggle watcher.
type WatcherConfig struct {
	ToggleFile        string        `json:"toggle_file"`
	ActionLogFile     string        `json:"action_log_file"`
	PollInterval      time.Duration `json:"poll_interval"`
	ActionLogMaxBytes int64         `json:"action_log_max_bytes"`
	ActionLogKeep     int           `json:"action_log_keep"`
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ToggleFile:        "state/automation_toggle.txt",
		ActionLogFile:     "logs/automation_actions.log",
		PollInterval:      5 * time.Second,
		ActionLogMaxBytes: 10 * 1024 * 1024,
		ActionLogKeep:     5,
	}
}

// Watcher polls a text file on its own goroutine and translates ENABLE,
// DISABLE and QUERY commands into toggle events. Everything else is noted
// in the action log and otherwise ignored.
type Watcher struct {
	config WatcherConfig
	bus    *events.Bus
	logger *zap.Logger
	clock  func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex

	lastModTime time.Time
	lastContent string
}

// NewWatcher creates a toggle file watcher.
func NewWatcher(logger *zap.Logger, bus *events.Bus, config WatcherConfig) *Watcher {
	def := DefaultWatcherConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ActionLogMaxBytes <= 0 {
		config.ActionLogMaxBytes = def.ActionLogMaxBytes
	}
	if config.ActionLogKeep <= 0 {
		config.ActionLogKeep = def.ActionLogKeep
	}
	return &Watcher{
		config: config,
		bus:    bus,
		logger: logger.Named("toggle_watcher"),
		clock:  time.Now,
	}
}

// Start launches the polling goroutine. Starting twice is an error.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("toggle watcher already started")
	}

	if info, err := os.Stat(w.config.ToggleFile); err == nil {
		// Content present before startup is stale, not a command.
		w.lastModTime = info.ModTime()
		if data, err := os.ReadFile(w.config.ToggleFile); err == nil {
			w.lastContent = normalize(string(data))
		}
	}

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.started = true

	go w.run(w.stopCh, w.doneCh)
	w.logger.Info("Toggle watcher started",
		zap.String("file", w.config.ToggleFile),
		zap.Duration("poll_interval", w.config.PollInterval),
	)
	return nil
}

// Stop signals the poller and waits for it to exit. Returns within one poll
// interval. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	w.logger.Info("Toggle watcher stopped")
}

func (w *Watcher) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.config.ToggleFile)
	if err != nil {
		return
	}
	if !info.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = info.ModTime()

	data, err := os.ReadFile(w.config.ToggleFile)
	if err != nil {
		w.logger.Warn("Toggle file unreadable", zap.Error(err))
		return
	}

	command := normalize(string(data))
	if command == w.lastContent {
		w.actionLog("DUPLICATE", command)
		return
	}
	w.lastContent = command

	switch command {
	case "":
		w.actionLog("EMPTY", "")
	case string(events.ToggleEnable), string(events.ToggleDisable), string(events.ToggleQuery):
		w.actionLog("COMMAND", command)
		w.bus.Publish(events.NewAutomationToggleEvent(
			events.ToggleAction(command), "toggle file", "file_watcher",
		))
		w.logger.Info("Toggle command detected", zap.String("command", command))
	default:
		w.actionLog("INVALID", command)
		w.logger.Warn("Invalid toggle command", zap.String("content", command))
	}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// actionLog appends one pipe-separated line to the action log, rotating it
// when it exceeds the size limit.
func (w *Watcher) actionLog(status, detail string) {
	if w.config.ActionLogFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(w.config.ActionLogFile), 0o755); err != nil {
		return
	}

	w.rotateActionLog()

	f, err := os.OpenFile(w.config.ActionLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn("Action log unwritable", zap.Error(err))
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s | %s | %s\n", w.clock().Format(time.RFC3339), status, detail)
	if _, err := f.WriteString(line); err != nil {
		w.logger.Warn("Action log write failed", zap.Error(err))
	}
}

// rotateActionLog shifts log.1..4 up by one and moves the oversized log to
// log.1, dropping log.5.
func (w *Watcher) rotateActionLog() {
	info, err := os.Stat(w.config.ActionLogFile)
	if err != nil || info.Size() < w.config.ActionLogMaxBytes {
		return
	}

	oldest := fmt.Sprintf("%s.%d", w.config.ActionLogFile, w.config.ActionLogKeep)
	os.Remove(oldest)
	for i := w.config.ActionLogKeep - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", w.config.ActionLogFile, i)
		to := fmt.Sprintf("%s.%d", w.config.ActionLogFile, i+1)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	os.Rename(w.config.ActionLogFile, w.config.ActionLogFile+".1")
}
