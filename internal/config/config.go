// Package config loads and validates the engine configuration from an
// optional YAML file plus ENGINE_-prefixed environment overrides. Component
// packages keep their own Default*Config constructors; this package owns the
// file shape that the entry point maps onto them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// Config is the validated top-level engine configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Engine     EngineConfig     `mapstructure:"engine"`
	API        APIConfig        `mapstructure:"api"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Automation AutomationConfig `mapstructure:"automation"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Symbols    []SymbolConfig   `mapstructure:"symbols"`
}

// LoggingConfig controls the zap logger built at startup.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// EngineConfig holds orchestrator-level settings.
type EngineConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	EventHistoryLimit   int           `mapstructure:"event_history_limit"`
	LogAllEvents        bool          `mapstructure:"log_all_events"`
	AutoRestart         bool          `mapstructure:"auto_restart"`
	RestartDelay        time.Duration `mapstructure:"restart_delay"`
	MaxRestartAttempts  int           `mapstructure:"max_restart_attempts"`
}

// APIConfig holds the HTTP server settings.
type APIConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
}

// BrokerConfig parameterises the paper broker.
type BrokerConfig struct {
	StartingBalance  float64 `mapstructure:"starting_balance"`
	SpreadBps        float64 `mapstructure:"spread_bps"`
	SlippageBps      float64 `mapstructure:"slippage_bps"`
	CommissionPerLot float64 `mapstructure:"commission_per_lot"`
	LotStep          float64 `mapstructure:"lot_step"`
	MinVolume        float64 `mapstructure:"min_volume"`
	ContractSize     float64 `mapstructure:"contract_size"`
}

// ExecutionConfig holds trade executor settings.
type ExecutionConfig struct {
	Mode          string        `mapstructure:"mode"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// MonitorConfig holds position monitor settings.
type MonitorConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	TargetStorePath string        `mapstructure:"target_store_path"`
}

// AutomationConfig holds the automation state manager and watcher settings.
type AutomationConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	StatePath          string        `mapstructure:"state_path"`
	TogglePath         string        `mapstructure:"toggle_path"`
	FileWatcherEnabled bool          `mapstructure:"file_watcher_enabled"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BackupCount        int           `mapstructure:"backup_count"`
	ActionLogPath      string        `mapstructure:"action_log_path"`
	ActionLogMaxBytes  int64         `mapstructure:"action_log_max_bytes"`
	ActionLogKeep      int           `mapstructure:"action_log_keep"`
}

// RiskConfig holds the account risk guard settings.
type RiskConfig struct {
	DailyLossLimit         float64 `mapstructure:"daily_loss_limit"`
	MaxDrawdownPct         float64 `mapstructure:"max_drawdown_pct"`
	MaxPositions           int     `mapstructure:"max_positions"`
	MaxPositionSize        float64 `mapstructure:"max_position_size"`
	ClosePositionsOnBreach bool    `mapstructure:"close_positions_on_breach"`
	StopTradingOnBreach    bool    `mapstructure:"stop_trading_on_breach"`
	Timezone               string  `mapstructure:"timezone"`
	RefreshCron            string  `mapstructure:"refresh_cron"`
	DailyResetCron         string  `mapstructure:"daily_reset_cron"`
}

// RegimeConfig overrides the regime classifier knobs.
type RegimeConfig struct {
	WarmupBars     int     `mapstructure:"warmup_bars"`
	BBThresholdLen int     `mapstructure:"bb_threshold_len"`
	PersistBars    int     `mapstructure:"persist_bars"`
	TransitionBars int     `mapstructure:"transition_bars"`
	FrameCapacity  int     `mapstructure:"frame_capacity"`
	RiskPerTrade   float64 `mapstructure:"risk_per_trade_pct"`
}

// SymbolConfig configures one per-symbol pipeline.
type SymbolConfig struct {
	Symbol       string   `mapstructure:"symbol"`
	Timeframes   []string `mapstructure:"timeframes"`
	CandleIndex  int      `mapstructure:"candle_index"`
	NbrBars      int      `mapstructure:"nbr_bars"`
	HTFTimeframe string   `mapstructure:"htf_timeframe"`
	Strategies   []string `mapstructure:"strategies"`
	Magic        int64    `mapstructure:"magic"`
	InitialPrice float64  `mapstructure:"initial_price"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
		Engine: EngineConfig{
			TickInterval:        time.Second,
			HealthCheckInterval: 30 * time.Second,
			EventHistoryLimit:   1000,
			LogAllEvents:        false,
			AutoRestart:         true,
			RestartDelay:        time.Second,
			MaxRestartAttempts:  3,
		},
		API: APIConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			EnableCORS: true,
		},
		Broker: BrokerConfig{
			StartingBalance:  10000,
			SpreadBps:        2,
			SlippageBps:      1,
			CommissionPerLot: 7,
			LotStep:          0.01,
			MinVolume:        0.01,
			ContractSize:     100000,
		},
		Execution: ExecutionConfig{
			Mode:          "immediate",
			BatchInterval: 5 * time.Second,
			QueueSize:     100,
		},
		Monitor: MonitorConfig{
			CheckInterval:   2 * time.Second,
			TargetStorePath: "state/tp_targets.msgpack",
		},
		Automation: AutomationConfig{
			Enabled:            true,
			StatePath:          "state/automation_state.json",
			TogglePath:         "state/automation_toggle.txt",
			FileWatcherEnabled: true,
			PollInterval:       2 * time.Second,
			BackupCount:        3,
			ActionLogPath:      "logs/automation_actions.log",
			ActionLogMaxBytes:  10 * 1024 * 1024,
			ActionLogKeep:      5,
		},
		Risk: RiskConfig{
			DailyLossLimit:         500,
			MaxDrawdownPct:         10,
			MaxPositions:           10,
			MaxPositionSize:        5,
			ClosePositionsOnBreach: true,
			StopTradingOnBreach:    true,
			Timezone:               "UTC",
			RefreshCron:            "0 * * * * *",
			DailyResetCron:         "0 0 0 * * *",
		},
		Regime: RegimeConfig{
			WarmupBars:     500,
			BBThresholdLen: 200,
			PersistBars:    2,
			TransitionBars: 3,
			FrameCapacity:  6,
			RiskPerTrade:   1.0,
		},
		Symbols: []SymbolConfig{
			{
				Symbol:       "EURUSD",
				Timeframes:   []string{"M5", "M15", "H1"},
				CandleIndex:  2,
				NbrBars:      200,
				HTFTimeframe: "H1",
				Strategies:   []string{"regime_momentum", "rsi_reversion"},
				Magic:        140001,
				InitialPrice: 1.0850,
			},
		},
	}
}

// Load reads configuration from the given file path (optional), applies
// ENGINE_-prefixed environment overrides and validates the result. An empty
// path searches the working directory and ./config for engine.yaml; a
// missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	applyEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applySymbolListOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

type envKind int

const (
	envString envKind = iota
	envBool
	envInt
	envFloat
	envDuration
)

// envOverrides maps every scalar config key to its parse kind. The symbol
// list has its own ENGINE_SYMBOLS/ENGINE_TIMEFRAMES handling after unmarshal.
var envOverrides = []struct {
	key  string
	kind envKind
}{
	{"logging.level", envString},
	{"logging.development", envBool},
	{"engine.tick_interval", envDuration},
	{"engine.health_check_interval", envDuration},
	{"engine.event_history_limit", envInt},
	{"engine.log_all_events", envBool},
	{"engine.auto_restart", envBool},
	{"engine.restart_delay", envDuration},
	{"engine.max_restart_attempts", envInt},
	{"api.host", envString},
	{"api.port", envInt},
	{"api.enable_cors", envBool},
	{"broker.starting_balance", envFloat},
	{"broker.spread_bps", envFloat},
	{"broker.slippage_bps", envFloat},
	{"broker.commission_per_lot", envFloat},
	{"broker.lot_step", envFloat},
	{"broker.min_volume", envFloat},
	{"broker.contract_size", envFloat},
	{"execution.mode", envString},
	{"execution.batch_interval", envDuration},
	{"execution.queue_size", envInt},
	{"monitor.check_interval", envDuration},
	{"monitor.target_store_path", envString},
	{"automation.enabled", envBool},
	{"automation.state_path", envString},
	{"automation.toggle_path", envString},
	{"automation.file_watcher_enabled", envBool},
	{"automation.poll_interval", envDuration},
	{"automation.backup_count", envInt},
	{"automation.action_log_path", envString},
	{"automation.action_log_max_bytes", envInt},
	{"automation.action_log_keep", envInt},
	{"risk.daily_loss_limit", envFloat},
	{"risk.max_drawdown_pct", envFloat},
	{"risk.max_positions", envInt},
	{"risk.max_position_size", envFloat},
	{"risk.close_positions_on_breach", envBool},
	{"risk.stop_trading_on_breach", envBool},
	{"risk.timezone", envString},
	{"risk.refresh_cron", envString},
	{"risk.daily_reset_cron", envString},
	{"regime.warmup_bars", envInt},
	{"regime.bb_threshold_len", envInt},
	{"regime.persist_bars", envInt},
	{"regime.transition_bars", envInt},
	{"regime.frame_capacity", envInt},
	{"regime.risk_per_trade_pct", envFloat},
}

func envName(key string) string {
	return "ENGINE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyEnvOverrides applies ENGINE_-prefixed variables on top of the file
// values. A value that does not parse for its key's type is ignored, never
// fatal: the file (or default) value stays in effect.
func applyEnvOverrides(v *viper.Viper) {
	for _, o := range envOverrides {
		raw, ok := os.LookupEnv(envName(o.key))
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		switch o.kind {
		case envString:
			v.Set(o.key, raw)
		case envBool:
			if b, ok := parseBool(raw); ok {
				v.Set(o.key, b)
			}
		case envInt:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				v.Set(o.key, n)
			}
		case envFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				v.Set(o.key, f)
			}
		case envDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				v.Set(o.key, d)
			}
		}
	}
}

// parseBool accepts the relaxed boolean forms used in deployment
// environments: true/1/yes/on and false/0/no/off, case-insensitive.
func parseBool(raw string) (value, ok bool) {
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

// applySymbolListOverrides rewrites the symbols section from the
// ENGINE_SYMBOLS and ENGINE_TIMEFRAMES comma lists when present. Symbols
// already configured in the file keep their settings; new names inherit
// the default symbol template.
func applySymbolListOverrides(cfg *Config) {
	if names := splitList(os.Getenv("ENGINE_SYMBOLS")); len(names) > 0 {
		existing := make(map[string]SymbolConfig, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			existing[strings.ToUpper(s.Symbol)] = s
		}
		template := DefaultConfig().Symbols[0]
		symbols := make([]SymbolConfig, 0, len(names))
		for _, name := range names {
			name = strings.ToUpper(name)
			if s, ok := existing[name]; ok {
				symbols = append(symbols, s)
				continue
			}
			s := template
			s.Symbol = name
			s.Timeframes = append([]string(nil), template.Timeframes...)
			s.Strategies = append([]string(nil), template.Strategies...)
			symbols = append(symbols, s)
		}
		cfg.Symbols = symbols
	}

	if tfs := splitList(os.Getenv("ENGINE_TIMEFRAMES")); len(tfs) > 0 {
		for i := range cfg.Symbols {
			cfg.Symbols[i].Timeframes = append([]string(nil), tfs...)
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)

	v.SetDefault("engine.tick_interval", d.Engine.TickInterval)
	v.SetDefault("engine.health_check_interval", d.Engine.HealthCheckInterval)
	v.SetDefault("engine.event_history_limit", d.Engine.EventHistoryLimit)
	v.SetDefault("engine.log_all_events", d.Engine.LogAllEvents)
	v.SetDefault("engine.auto_restart", d.Engine.AutoRestart)
	v.SetDefault("engine.restart_delay", d.Engine.RestartDelay)
	v.SetDefault("engine.max_restart_attempts", d.Engine.MaxRestartAttempts)

	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.enable_cors", d.API.EnableCORS)

	v.SetDefault("broker.starting_balance", d.Broker.StartingBalance)
	v.SetDefault("broker.spread_bps", d.Broker.SpreadBps)
	v.SetDefault("broker.slippage_bps", d.Broker.SlippageBps)
	v.SetDefault("broker.commission_per_lot", d.Broker.CommissionPerLot)
	v.SetDefault("broker.lot_step", d.Broker.LotStep)
	v.SetDefault("broker.min_volume", d.Broker.MinVolume)
	v.SetDefault("broker.contract_size", d.Broker.ContractSize)

	v.SetDefault("execution.mode", d.Execution.Mode)
	v.SetDefault("execution.batch_interval", d.Execution.BatchInterval)
	v.SetDefault("execution.queue_size", d.Execution.QueueSize)

	v.SetDefault("monitor.check_interval", d.Monitor.CheckInterval)
	v.SetDefault("monitor.target_store_path", d.Monitor.TargetStorePath)

	v.SetDefault("automation.enabled", d.Automation.Enabled)
	v.SetDefault("automation.state_path", d.Automation.StatePath)
	v.SetDefault("automation.toggle_path", d.Automation.TogglePath)
	v.SetDefault("automation.file_watcher_enabled", d.Automation.FileWatcherEnabled)
	v.SetDefault("automation.poll_interval", d.Automation.PollInterval)
	v.SetDefault("automation.backup_count", d.Automation.BackupCount)
	v.SetDefault("automation.action_log_path", d.Automation.ActionLogPath)
	v.SetDefault("automation.action_log_max_bytes", d.Automation.ActionLogMaxBytes)
	v.SetDefault("automation.action_log_keep", d.Automation.ActionLogKeep)

	v.SetDefault("risk.daily_loss_limit", d.Risk.DailyLossLimit)
	v.SetDefault("risk.max_drawdown_pct", d.Risk.MaxDrawdownPct)
	v.SetDefault("risk.max_positions", d.Risk.MaxPositions)
	v.SetDefault("risk.max_position_size", d.Risk.MaxPositionSize)
	v.SetDefault("risk.close_positions_on_breach", d.Risk.ClosePositionsOnBreach)
	v.SetDefault("risk.stop_trading_on_breach", d.Risk.StopTradingOnBreach)
	v.SetDefault("risk.timezone", d.Risk.Timezone)
	v.SetDefault("risk.refresh_cron", d.Risk.RefreshCron)
	v.SetDefault("risk.daily_reset_cron", d.Risk.DailyResetCron)

	v.SetDefault("regime.warmup_bars", d.Regime.WarmupBars)
	v.SetDefault("regime.bb_threshold_len", d.Regime.BBThresholdLen)
	v.SetDefault("regime.persist_bars", d.Regime.PersistBars)
	v.SetDefault("regime.transition_bars", d.Regime.TransitionBars)
	v.SetDefault("regime.frame_capacity", d.Regime.FrameCapacity)
	v.SetDefault("regime.risk_per_trade_pct", d.Regime.RiskPerTrade)

	v.SetDefault("symbols", symbolMaps(d.Symbols))
}

// symbolMaps converts symbol defaults into the generic form viper expects
// for slice defaults.
func symbolMaps(symbols []SymbolConfig) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, map[string]interface{}{
			"symbol":        s.Symbol,
			"timeframes":    s.Timeframes,
			"candle_index":  s.CandleIndex,
			"nbr_bars":      s.NbrBars,
			"htf_timeframe": s.HTFTimeframe,
			"strategies":    s.Strategies,
			"magic":         s.Magic,
			"initial_price": s.InitialPrice,
		})
	}
	return out
}

// Validate checks the configuration for shape errors.
func (c *Config) Validate() error {
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if c.Engine.HealthCheckInterval < 10*time.Second {
		return fmt.Errorf("engine.health_check_interval must be at least 10s")
	}
	if c.Engine.EventHistoryLimit < 0 {
		return fmt.Errorf("engine.event_history_limit must not be negative")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Execution.Mode != "immediate" && c.Execution.Mode != "batch" {
		return fmt.Errorf("execution.mode must be immediate or batch, got %q", c.Execution.Mode)
	}
	if c.Execution.Mode == "batch" && c.Execution.BatchInterval <= 0 {
		return fmt.Errorf("execution.batch_interval must be positive in batch mode")
	}
	if c.Broker.LotStep <= 0 {
		return fmt.Errorf("broker.lot_step must be positive")
	}
	if c.Broker.MinVolume <= 0 {
		return fmt.Errorf("broker.min_volume must be positive")
	}
	if c.Automation.PollInterval < time.Second || c.Automation.PollInterval > 60*time.Second {
		return fmt.Errorf("automation.poll_interval must be between 1s and 60s")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 100 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 100]")
	}
	if c.Risk.DailyLossLimit < 0 {
		return fmt.Errorf("risk.daily_loss_limit must not be negative")
	}
	if c.Risk.MaxPositions < 1 {
		return fmt.Errorf("risk.max_positions must be at least 1")
	}
	if c.Risk.MaxPositionSize < 0.01 {
		return fmt.Errorf("risk.max_position_size must be at least 0.01")
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return fmt.Errorf("risk.timezone %q: %w", c.Risk.Timezone, err)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol must be configured")
	}

	seen := make(map[string]bool)
	for i, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("symbols[%d]: symbol name is required", i)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("symbols[%d]: duplicate symbol %s", i, s.Symbol)
		}
		seen[s.Symbol] = true

		if len(s.Timeframes) == 0 {
			return fmt.Errorf("symbol %s: at least one timeframe is required", s.Symbol)
		}
		for _, tf := range s.Timeframes {
			if _, err := utils.TimeframeMinutes(tf); err != nil {
				return fmt.Errorf("symbol %s: %w", s.Symbol, err)
			}
		}
		if s.CandleIndex < 1 {
			return fmt.Errorf("symbol %s: candle_index must be >= 1", s.Symbol)
		}
		if s.NbrBars < s.CandleIndex {
			return fmt.Errorf("symbol %s: nbr_bars must be >= candle_index", s.Symbol)
		}
		if s.HTFTimeframe != "" {
			if _, err := utils.TimeframeMinutes(s.HTFTimeframe); err != nil {
				return fmt.Errorf("symbol %s htf: %w", s.Symbol, err)
			}
		}
	}

	return nil
}
