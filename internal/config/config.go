package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"wheel-screener/internal/evaluator"
	"wheel-screener/internal/logging"
	"wheel-screener/internal/market"
	"wheel-screener/internal/scoring"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Selection SelectionConfig `mapstructure:"selection"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Artifact  ArtifactConfig  `mapstructure:"artifact"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the run ledger.
// An empty DSN disables the ledger entirely.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs watch-mode cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ProviderConfig covers upstream market-data access.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIToken          string        `mapstructure:"api_token"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BreakerThreshold  uint32        `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

// UniverseConfig names the symbols under screen.
type UniverseConfig struct {
	Path                string            `mapstructure:"path"`
	Symbols             []string          `mapstructure:"symbols"`
	Strategies          []string          `mapstructure:"strategies"`
	InstrumentOverrides map[string]string `mapstructure:"instrument_overrides"`
}

// GateConfig overrides individual selection thresholds for one strategy.
// Nil fields inherit the shared selection values.
type GateConfig struct {
	DTEMin              *int     `mapstructure:"dte_min"`
	DTEMax              *int     `mapstructure:"dte_max"`
	DeltaLo             *float64 `mapstructure:"delta_lo"`
	DeltaHi             *float64 `mapstructure:"delta_hi"`
	MinOpenInterest     *int64   `mapstructure:"min_open_interest"`
	MaxSpreadPct        *float64 `mapstructure:"max_spread_pct"`
	MaxSampleRejections *int     `mapstructure:"max_sample_rejections"`
}

// SelectionConfig carries the shared contract gates plus per-strategy
// overrides.
type SelectionConfig struct {
	DTEMin              int     `mapstructure:"dte_min"`
	DTEMax              int     `mapstructure:"dte_max"`
	DeltaLo             float64 `mapstructure:"delta_lo"`
	DeltaHi             float64 `mapstructure:"delta_hi"`
	MinOpenInterest     int64   `mapstructure:"min_open_interest"`
	MaxSpreadPct        float64 `mapstructure:"max_spread_pct"`
	MaxSampleRejections int     `mapstructure:"max_sample_rejections"`
	MaxExpirations      int     `mapstructure:"max_expirations"`

	CSP GateConfig `mapstructure:"csp"`
	CC  GateConfig `mapstructure:"cc"`
}

// ScoringConfig drives the composite scorer.
type ScoringConfig struct {
	Regime        string          `mapstructure:"regime"`
	MinScore      float64         `mapstructure:"min_score"`
	AccountEquity float64         `mapstructure:"account_equity"`
	Weights       scoring.Weights `mapstructure:"weights"`
}

// BudgetConfig caps one evaluation run. Caps are literal; zero means zero.
type BudgetConfig struct {
	MaxSymbols  int           `mapstructure:"max_symbols"`
	MaxRequests int           `mapstructure:"max_requests"`
	MaxWallTime time.Duration `mapstructure:"max_wall_time"`
}

// EvaluatorConfig shapes the two-stage scheduler.
type EvaluatorConfig struct {
	Stage1Concurrency     int           `mapstructure:"stage1_concurrency"`
	ConcurrencyLimit      int           `mapstructure:"concurrency_limit"`
	MinCompleteness       float64       `mapstructure:"min_completeness"`
	StaleAfter            time.Duration `mapstructure:"stale_after"`
	DegradedDispatchDelay time.Duration `mapstructure:"degraded_dispatch_delay"`
	Debug                 bool          `mapstructure:"debug"`
}

// ArtifactConfig locates the decision artifact tree.
type ArtifactConfig struct {
	Dir          string `mapstructure:"dir"`
	LatestName   string `mapstructure:"latest_name"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// NotifyConfig routes run summaries to a webhook.
type NotifyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MinTier    string        `mapstructure:"min_tier"`
}

// TelemetryConfig exposes Prometheus metrics.
type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHEELSCREENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "wheelscreener")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7768656c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("provider.base_url", "https://api.tradier.com")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.user_agent", "wheelscreener/1.0")
	v.SetDefault("provider.requests_per_second", 8.0)
	v.SetDefault("provider.burst", 4)
	v.SetDefault("provider.max_attempts", 3)
	v.SetDefault("provider.initial_backoff", "250ms")
	v.SetDefault("provider.max_backoff", "5s")
	v.SetDefault("provider.breaker_threshold", 5)
	v.SetDefault("provider.breaker_cooldown", "30s")

	v.SetDefault("universe.path", "universe.csv")
	v.SetDefault("universe.strategies", []string{"csp"})

	v.SetDefault("selection.dte_min", 30)
	v.SetDefault("selection.dte_max", 45)
	v.SetDefault("selection.delta_lo", 0.15)
	v.SetDefault("selection.delta_hi", 0.35)
	v.SetDefault("selection.min_open_interest", 500)
	v.SetDefault("selection.max_spread_pct", 0.10)
	v.SetDefault("selection.max_sample_rejections", 5)
	v.SetDefault("selection.max_expirations", 4)

	v.SetDefault("scoring.regime", "neutral")
	v.SetDefault("scoring.min_score", 40.0)
	v.SetDefault("scoring.account_equity", 0.0)
	v.SetDefault("scoring.weights.regime", 0.25)
	v.SetDefault("scoring.weights.technical", 0.25)
	v.SetDefault("scoring.weights.affordability", 0.20)
	v.SetDefault("scoring.weights.liquidity", 0.30)

	v.SetDefault("budget.max_symbols", 50)
	v.SetDefault("budget.max_requests", 400)
	v.SetDefault("budget.max_wall_time", "2m")

	v.SetDefault("evaluator.stage1_concurrency", 16)
	v.SetDefault("evaluator.concurrency_limit", 4)
	v.SetDefault("evaluator.min_completeness", 1.0)
	v.SetDefault("evaluator.stale_after", "72h")
	v.SetDefault("evaluator.degraded_dispatch_delay", "500ms")
	v.SetDefault("evaluator.debug", false)

	v.SetDefault("artifact.dir", "out")
	v.SetDefault("artifact.latest_name", "decision_latest.json")
	v.SetDefault("artifact.history_limit", 30)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.min_tier", "B")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.listen_addr", ":9109")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	if _, err := c.Universe.ParsedStrategies(); err != nil {
		return fmt.Errorf("universe.strategies: %w", err)
	}
	if _, err := c.Universe.ParsedOverrides(); err != nil {
		return fmt.Errorf("universe.instrument_overrides: %w", err)
	}

	for _, strategy := range []market.Strategy{market.StrategyCSP, market.StrategyCC} {
		if err := validateRules(strategy, c.Selection.ForStrategy(strategy)); err != nil {
			return err
		}
	}

	if _, err := scoring.ParseRegime(c.Scoring.Regime); err != nil {
		return fmt.Errorf("scoring.regime: %w", err)
	}
	if c.Scoring.MinScore < 0 || c.Scoring.MinScore > 100 {
		return fmt.Errorf("scoring.min_score must be within [0,100]")
	}
	if c.Scoring.AccountEquity < 0 {
		return fmt.Errorf("scoring.account_equity cannot be negative")
	}

	// Budget caps are literal, so zero is a legal (if unusual) setting;
	// only negatives are configuration mistakes.
	if c.Budget.MaxSymbols < 0 || c.Budget.MaxRequests < 0 || c.Budget.MaxWallTime < 0 {
		return fmt.Errorf("budget caps cannot be negative")
	}

	if c.Evaluator.MinCompleteness <= 0 || c.Evaluator.MinCompleteness > 1 {
		return fmt.Errorf("evaluator.min_completeness must be within (0,1]")
	}
	if c.Evaluator.ConcurrencyLimit < 0 || c.Evaluator.Stage1Concurrency < 0 {
		return fmt.Errorf("evaluator concurrency cannot be negative")
	}

	if c.Artifact.HistoryLimit <= 0 {
		return fmt.Errorf("artifact.history_limit must be greater than zero")
	}

	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url 必须配置")
	}
	if _, err := scoring.ParseTier(c.Notify.MinTier); err != nil {
		return fmt.Errorf("notify.min_tier: %w", err)
	}
	if c.Telemetry.Enabled && c.Telemetry.ListenAddr == "" {
		return fmt.Errorf("telemetry.listen_addr 必须配置")
	}
	return nil
}

func validateRules(strategy market.Strategy, r evaluator.GateRules) error {
	label := strings.ToLower(string(strategy))
	if r.DTEMin < 0 || r.DTEMax < r.DTEMin {
		return fmt.Errorf("selection (%s): dte window [%d,%d] is invalid", label, r.DTEMin, r.DTEMax)
	}
	if r.DeltaLo < 0 || r.DeltaHi < r.DeltaLo || r.DeltaHi > 1 {
		return fmt.Errorf("selection (%s): delta band [%v,%v] is invalid", label, r.DeltaLo, r.DeltaHi)
	}
	if r.MinOpenInterest < 0 {
		return fmt.Errorf("selection (%s): min_open_interest cannot be negative", label)
	}
	if !r.MaxSpreadPct.IsPositive() {
		return fmt.Errorf("selection (%s): max_spread_pct must be greater than zero", label)
	}
	return nil
}

// base renders the shared selection values as gate rules.
func (s SelectionConfig) base() evaluator.GateRules {
	return evaluator.GateRules{
		DTEMin:              s.DTEMin,
		DTEMax:              s.DTEMax,
		DeltaLo:             s.DeltaLo,
		DeltaHi:             s.DeltaHi,
		MinOpenInterest:     s.MinOpenInterest,
		MaxSpreadPct:        decimal.NewFromFloat(s.MaxSpreadPct),
		MaxSampleRejections: s.MaxSampleRejections,
	}
}

// ForStrategy resolves the effective gate rules for one strategy, applying
// its overrides on top of the shared values.
func (s SelectionConfig) ForStrategy(strategy market.Strategy) evaluator.GateRules {
	if strategy == market.StrategyCC {
		return s.CC.apply(s.base())
	}
	return s.CSP.apply(s.base())
}

// Rules resolves both strategies at once for the evaluator.
func (s SelectionConfig) Rules() map[market.Strategy]evaluator.GateRules {
	return map[market.Strategy]evaluator.GateRules{
		market.StrategyCSP: s.ForStrategy(market.StrategyCSP),
		market.StrategyCC:  s.ForStrategy(market.StrategyCC),
	}
}

func (g GateConfig) apply(base evaluator.GateRules) evaluator.GateRules {
	if g.DTEMin != nil {
		base.DTEMin = *g.DTEMin
	}
	if g.DTEMax != nil {
		base.DTEMax = *g.DTEMax
	}
	if g.DeltaLo != nil {
		base.DeltaLo = *g.DeltaLo
	}
	if g.DeltaHi != nil {
		base.DeltaHi = *g.DeltaHi
	}
	if g.MinOpenInterest != nil {
		base.MinOpenInterest = *g.MinOpenInterest
	}
	if g.MaxSpreadPct != nil {
		base.MaxSpreadPct = decimal.NewFromFloat(*g.MaxSpreadPct)
	}
	if g.MaxSampleRejections != nil {
		base.MaxSampleRejections = *g.MaxSampleRejections
	}
	return base
}

// ParsedStrategies normalises the configured default strategies.
func (u UniverseConfig) ParsedStrategies() ([]market.Strategy, error) {
	if len(u.Strategies) == 0 {
		return []market.Strategy{market.StrategyCSP}, nil
	}
	var out []market.Strategy
	for _, raw := range u.Strategies {
		s, err := market.ParseStrategy(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ParsedOverrides normalises the per-symbol instrument overrides.
func (u UniverseConfig) ParsedOverrides() (map[string]market.InstrumentType, error) {
	if len(u.InstrumentOverrides) == 0 {
		return nil, nil
	}
	out := make(map[string]market.InstrumentType, len(u.InstrumentOverrides))
	for symbol, raw := range u.InstrumentOverrides {
		switch strings.ToUpper(strings.TrimSpace(raw)) {
		case "EQUITY":
			out[strings.ToUpper(symbol)] = market.InstrumentEquity
		case "ETF":
			out[strings.ToUpper(symbol)] = market.InstrumentETF
		case "INDEX":
			out[strings.ToUpper(symbol)] = market.InstrumentIndex
		default:
			return nil, fmt.Errorf("unknown instrument type %q for %s", raw, symbol)
		}
	}
	return out, nil
}

// ParsedRegime returns the configured market regime.
func (c ScoringConfig) ParsedRegime() scoring.Regime {
	r, err := scoring.ParseRegime(c.Regime)
	if err != nil {
		return scoring.RegimeUnknown
	}
	return r
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
