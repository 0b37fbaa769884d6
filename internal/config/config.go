package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/exchange"
	"autotrader/internal/risk"
	"autotrader/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Exchange ExchangeConfig
	Risk     RiskConfig
	Bot      BotConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Logging  LoggingConfig
}

// ServerConfig - HTTP listener для /metrics, /healthz и /ws/events
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // пусто = любой Origin
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         int
	Name         string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// SecurityConfig - ключ расшифровки секретов вида "enc:..."
type SecurityConfig struct {
	EncryptionKey string
}

// ExchangeConfig - подключение к бирже
type ExchangeConfig struct {
	Name       string
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string
	WSURL      string
	Categories []string
	TradeRate  float64 // запросов в секунду на торговые endpoint'ы
	QueryRate  float64
}

// RiskConfig - начальные параметры риск-контура; перечитываются по SIGHUP
type RiskConfig struct {
	ConsecutiveLossLimit    int
	CooldownMinutes         float64
	RapidLossWindowMinutes  float64
	RapidLossThreshold      int
	MaxPositionSizePercent  float64
	MaxTotalExposurePercent float64
	MaxRiskPerTradePercent  float64
	MaxDrawdownPercent      float64
	MaxDailyLossPercent     float64
}

// BotConfig - настройки фоновых циклов
type BotConfig struct {
	SessionID string

	PositionPollInterval time.Duration // опрос позиций и баланса
	DailyCheckInterval   time.Duration // проверка смены UTC-дня

	OrphanInterval time.Duration
	OrphanMinAge   time.Duration // моложе - не трогаем (гонка с Create)

	RecoveryTimeout   time.Duration
	StreamBuffer      int
	RiskStateInterval time.Duration
	EventBuffer       int // буфер журнала уведомлений
}

// RedisConfig - хранилище состояния монитора просадки
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// KafkaConfig - экспорт событий; пустой список брокеров отключает экспорт
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled - экспорт включён
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	defaults := risk.DefaultParams()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvAsSlice("ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			Name:         getEnv("DB_NAME", "autotrader"),
			User:         getEnv("DB_USER", "user"),
			Password:     getEnv("DB_PASSWORD", "password"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Exchange: ExchangeConfig{
			Name:       getEnv("EXCHANGE", "bybit"),
			APIKey:     getEnv("EXCHANGE_API_KEY", ""),
			APISecret:  getEnv("EXCHANGE_API_SECRET", ""),
			Testnet:    getEnvAsBool("EXCHANGE_TESTNET", true),
			BaseURL:    getEnv("EXCHANGE_BASE_URL", ""),
			WSURL:      getEnv("EXCHANGE_WS_URL", ""),
			Categories: getEnvAsSlice("EXCHANGE_CATEGORIES", []string{"linear"}),
			TradeRate:  getEnvAsFloat("EXCHANGE_TRADE_RATE", 10),
			QueryRate:  getEnvAsFloat("EXCHANGE_QUERY_RATE", 20),
		},
		Risk: RiskConfig{
			ConsecutiveLossLimit:    getEnvAsInt("RISK_CONSECUTIVE_LOSS_LIMIT", defaults.ConsecutiveLossLimit),
			CooldownMinutes:         getEnvAsFloat("RISK_COOLDOWN_MINUTES", defaults.Cooldown.Minutes()),
			RapidLossWindowMinutes:  getEnvAsFloat("RISK_RAPID_LOSS_WINDOW_MINUTES", defaults.RapidLossWindow.Minutes()),
			RapidLossThreshold:      getEnvAsInt("RISK_RAPID_LOSS_THRESHOLD", defaults.RapidLossThreshold),
			MaxPositionSizePercent:  getEnvAsFloat("RISK_MAX_POSITION_SIZE_PERCENT", defaults.MaxPositionSizePercent),
			MaxTotalExposurePercent: getEnvAsFloat("RISK_MAX_TOTAL_EXPOSURE_PERCENT", defaults.MaxTotalExposurePercent),
			MaxRiskPerTradePercent:  getEnvAsFloat("RISK_MAX_RISK_PER_TRADE_PERCENT", defaults.MaxRiskPerTradePercent),
			MaxDrawdownPercent:      getEnvAsFloat("RISK_MAX_DRAWDOWN_PERCENT", defaults.MaxDrawdownPercent),
			MaxDailyLossPercent:     getEnvAsFloat("RISK_MAX_DAILY_LOSS_PERCENT", defaults.MaxDailyLossPercent),
		},
		Bot: BotConfig{
			SessionID:            getEnv("SESSION_ID", ""),
			PositionPollInterval: getEnvAsDuration("POSITION_POLL_INTERVAL", 30*time.Second),
			DailyCheckInterval:   getEnvAsDuration("DAILY_CHECK_INTERVAL", time.Minute),
			OrphanInterval:       getEnvAsDuration("ORPHAN_INTERVAL", 5*time.Minute),
			OrphanMinAge:         getEnvAsDuration("ORPHAN_MIN_AGE", 2*time.Minute),
			RecoveryTimeout:      getEnvAsDuration("RECOVERY_TIMEOUT", 30*time.Second),
			StreamBuffer:         getEnvAsInt("STREAM_BUFFER", 1024),
			RiskStateInterval:    getEnvAsDuration("RISK_STATE_INTERVAL", 30*time.Second),
			EventBuffer:          getEnvAsInt("EVENT_BUFFER", 256),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Key:      getEnv("REDIS_RISK_STATE_KEY", "autotrader:risk:drawdown"),
			TTL:      getEnvAsDuration("REDIS_RISK_STATE_TTL", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "autotrader.events"),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", ""),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.validateExchange(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	if err := cfg.Risk.Params().Validate(); err != nil {
		return nil, fmt.Errorf("risk config: %w", err)
	}

	return cfg, nil
}

// openSecrets расшифровывает ключи биржи, заданные как "enc:..."
func (c *Config) openSecrets() error {
	key := c.Security.EncryptionKey
	if key != "" && len(key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	apiKey, err := crypto.OpenSecret(c.Exchange.APIKey, key)
	if err != nil {
		return fmt.Errorf("EXCHANGE_API_KEY: %w", err)
	}
	apiSecret, err := crypto.OpenSecret(c.Exchange.APISecret, key)
	if err != nil {
		return fmt.Errorf("EXCHANGE_API_SECRET: %w", err)
	}
	c.Exchange.APIKey = apiKey
	c.Exchange.APISecret = apiSecret
	return nil
}

// validateExchange проверяет подключение к бирже
func (c *Config) validateExchange() error {
	if !exchange.IsSupported(c.Exchange.Name) {
		return fmt.Errorf("EXCHANGE %q is not supported", c.Exchange.Name)
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required")
	}
	if len(c.Exchange.Categories) == 0 {
		return fmt.Errorf("EXCHANGE_CATEGORIES must list at least one category")
	}
	if c.Exchange.TradeRate <= 0 || c.Exchange.QueryRate <= 0 {
		return fmt.Errorf("exchange rate limits must be positive")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	for name, d := range map[string]time.Duration{
		"POSITION_POLL_INTERVAL": c.Bot.PositionPollInterval,
		"DAILY_CHECK_INTERVAL":   c.Bot.DailyCheckInterval,
		"ORPHAN_INTERVAL":        c.Bot.OrphanInterval,
		"RECOVERY_TIMEOUT":       c.Bot.RecoveryTimeout,
		"RISK_STATE_INTERVAL":    c.Bot.RiskStateInterval,
		"SHUTDOWN_TIMEOUT":       c.Server.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if c.Bot.OrphanMinAge < 0 {
		return fmt.Errorf("ORPHAN_MIN_AGE cannot be negative, got %v", c.Bot.OrphanMinAge)
	}

	if c.Bot.StreamBuffer < 1 || c.Bot.EventBuffer < 1 {
		return fmt.Errorf("STREAM_BUFFER and EVENT_BUFFER must be positive")
	}

	return nil
}

// Params переводит конфигурацию в risk.Params
func (r RiskConfig) Params() risk.Params {
	return risk.Params{
		ConsecutiveLossLimit:    r.ConsecutiveLossLimit,
		Cooldown:                time.Duration(r.CooldownMinutes * float64(time.Minute)),
		RapidLossWindow:         time.Duration(r.RapidLossWindowMinutes * float64(time.Minute)),
		RapidLossThreshold:      r.RapidLossThreshold,
		MaxPositionSizePercent:  r.MaxPositionSizePercent,
		MaxTotalExposurePercent: r.MaxTotalExposurePercent,
		MaxRiskPerTradePercent:  r.MaxRiskPerTradePercent,
		MaxDrawdownPercent:      r.MaxDrawdownPercent,
		MaxDailyLossPercent:     r.MaxDailyLossPercent,
	}
}

// ToParamMap - набор ключей для risk.Engine.UpdateParams
func (r RiskConfig) ToParamMap() map[string]interface{} {
	return map[string]interface{}{
		"consecutiveLossLimit":    r.ConsecutiveLossLimit,
		"cooldownMinutes":         r.CooldownMinutes,
		"rapidLossWindowMinutes":  r.RapidLossWindowMinutes,
		"rapidLossThreshold":      r.RapidLossThreshold,
		"maxPositionSizePercent":  r.MaxPositionSizePercent,
		"maxTotalExposurePercent": r.MaxTotalExposurePercent,
		"maxRiskPerTradePercent":  r.MaxRiskPerTradePercent,
		"maxDrawdownPercent":      r.MaxDrawdownPercent,
		"maxDailyLossPercent":     r.MaxDailyLossPercent,
	}
}

// GatewayConfig - параметры для exchange.NewGateway
func (e ExchangeConfig) GatewayConfig() exchange.GatewayConfig {
	return exchange.GatewayConfig{
		Name:      e.Name,
		APIKey:    e.APIKey,
		APISecret: e.APISecret,
		Testnet:   e.Testnet,
		BaseURL:   e.BaseURL,
		WSURL:     e.WSURL,
		TradeRate: e.TradeRate,
		QueryRate: e.QueryRate,
	}
}

// Addr - адрес HTTP listener'а
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice - значения через запятую, пустые элементы отбрасываются
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
