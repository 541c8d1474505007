package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/skalibog/tradesync/internal/persist"
	"github.com/skalibog/tradesync/internal/simulator"
	"github.com/skalibog/tradesync/pkg/logger"
)

// Префикс переменных окружения
const EnvPrefix = "TRADESYNC_"

// Типы хранилища
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageInfluxDB = "influxdb"
)

// Транспорты потока
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	API       APIConfig       `yaml:"api"`
	Trading   TradingConfig   `yaml:"trading"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	UI        UIConfig        `yaml:"ui"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// APIConfig содержит настройки подключения к источнику данных
type APIConfig struct {
	BaseURL           string `yaml:"base_url"`
	Transport         string `yaml:"transport"`
	TimeoutMs         int    `yaml:"timeout_ms"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	ReconnectSchedule []int  `yaml:"reconnect_schedule_ms"`
}

// TradingConfig содержит настройки торговли
type TradingConfig struct {
	Symbols      []string `yaml:"symbols"`
	Exchange     string   `yaml:"exchange"`
	AmountStep   float64  `yaml:"amount_step"`
	MarketMaxAge int      `yaml:"market_max_age_ms"`
}

// StorageConfig настройки хранения состояния
type StorageConfig struct {
	Type         string `yaml:"type"`
	Dir          string `yaml:"dir"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
	Console  bool   `yaml:"console"`
	Truncate bool   `yaml:"truncate"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	RefreshRate   int `yaml:"refresh_rate_ms"`
	TradesVisible int `yaml:"trades_visible"`
}

// SimulatorConfig настройки симулятора биржи
type SimulatorConfig struct {
	Addr             string  `yaml:"addr"`
	TickIntervalMs   int     `yaml:"tick_interval_ms"`
	ErrorRate        float64 `yaml:"error_rate"`
	ReconnectSuccess float64 `yaml:"reconnect_success"`
}

// Default конфигурация по умолчанию
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:8080",
			Transport:         TransportSSE,
			TimeoutMs:         10000,
			PollIntervalMs:    3000,
			ReconnectSchedule: []int{1000, 2000, 5000, 10000, 30000},
		},
		Trading: TradingConfig{
			Symbols:      []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
			Exchange:     "Binance",
			AmountStep:   0.1,
			MarketMaxAge: int(persist.DefaultMaxAge / time.Millisecond),
		},
		Storage: StorageConfig{
			Type: StorageFile,
			Dir:  "data",
		},
		Log: LogConfig{
			Level:    "info",
			File:     "tradesync.log",
			JSONFile: "tradesync.json.log",
		},
		UI: UIConfig{
			RefreshRate:   500,
			TradesVisible: 10,
		},
		Simulator: SimulatorConfig{
			Addr:             ":8080",
			TickIntervalMs:   1000,
			ErrorRate:        0.1,
			ReconnectSuccess: 0.8,
		},
	}
}

// Load загружает конфигурацию из файла. Отсутствующий файл не ошибка:
// используются значения по умолчанию. Затем применяются переменные окружения,
// включая .env из рабочего каталога.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("Файл конфигурации не найден, используются значения по умолчанию", zap.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Ошибка чтения .env", zap.Error(err))
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Загружена конфигурация", zap.String("path", path), zap.Any("config", cfg.redacted()))
	logger.Info("Загружена конфигурация",
		zap.String("api", cfg.API.BaseURL),
		zap.String("storage", cfg.Storage.Type),
		zap.Strings("symbols", cfg.Trading.Symbols))
	return cfg, nil
}

// applyEnv переопределяет значения переменными TRADESYNC_*
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ошибка разбора %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("API_URL", &c.API.BaseURL)
	str("TRANSPORT", &c.API.Transport)
	str("STORAGE", &c.Storage.Type)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("INFLUX_URL", &c.Storage.URL)
	str("INFLUX_TOKEN", &c.Storage.Token)
	str("INFLUX_ORG", &c.Storage.Organization)
	str("INFLUX_BUCKET", &c.Storage.Bucket)
	str("LOG_LEVEL", &c.Log.Level)
	str("SIM_ADDR", &c.Simulator.Addr)

	if v, ok := lookup(EnvPrefix + "SYMBOLS"); ok && v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		c.Trading.Symbols = symbols
	}

	if err := integer("POLL_INTERVAL_MS", &c.API.PollIntervalMs); err != nil {
		return err
	}
	return integer("TIMEOUT_MS", &c.API.TimeoutMs)
}

// fillDefaults заполняет нулевые значения из Default
func (c *Config) fillDefaults() {
	d := Default()
	if c.API.BaseURL == "" {
		c.API.BaseURL = d.API.BaseURL
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.Transport == "" {
		c.API.Transport = d.API.Transport
	}
	if c.API.TimeoutMs <= 0 {
		c.API.TimeoutMs = d.API.TimeoutMs
	}
	if c.API.PollIntervalMs <= 0 {
		c.API.PollIntervalMs = d.API.PollIntervalMs
	}
	if len(c.API.ReconnectSchedule) == 0 {
		c.API.ReconnectSchedule = d.API.ReconnectSchedule
	}
	if len(c.Trading.Symbols) == 0 {
		c.Trading.Symbols = d.Trading.Symbols
	}
	if c.Trading.Exchange == "" {
		c.Trading.Exchange = d.Trading.Exchange
	}
	if c.Trading.AmountStep <= 0 {
		c.Trading.AmountStep = d.Trading.AmountStep
	}
	if c.Trading.MarketMaxAge <= 0 {
		c.Trading.MarketMaxAge = d.Trading.MarketMaxAge
	}
	if c.Storage.Type == "" {
		c.Storage.Type = d.Storage.Type
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = d.Storage.Dir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.UI.RefreshRate <= 0 {
		c.UI.RefreshRate = d.UI.RefreshRate
	}
	if c.UI.TradesVisible <= 0 {
		c.UI.TradesVisible = d.UI.TradesVisible
	}
	if c.Simulator.Addr == "" {
		c.Simulator.Addr = d.Simulator.Addr
	}
	if c.Simulator.TickIntervalMs <= 0 {
		c.Simulator.TickIntervalMs = d.Simulator.TickIntervalMs
	}
	if c.Simulator.ReconnectSuccess <= 0 {
		c.Simulator.ReconnectSuccess = d.Simulator.ReconnectSuccess
	}
}

// Validate проверяет значения, которые нельзя исправить умолчаниями
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageMemory, StorageFile:
	case StorageInfluxDB:
		if c.Storage.URL == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("для хранилища influxdb нужны url и bucket")
		}
	default:
		return fmt.Errorf("неизвестный тип хранилища: %q", c.Storage.Type)
	}

	switch c.API.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("неизвестный транспорт: %q", c.API.Transport)
	}

	if c.Simulator.ErrorRate < 0 || c.Simulator.ErrorRate > 1 {
		return fmt.Errorf("error_rate вне диапазона [0, 1]: %v", c.Simulator.ErrorRate)
	}
	if c.Simulator.ReconnectSuccess > 1 {
		return fmt.Errorf("reconnect_success вне диапазона [0, 1]: %v", c.Simulator.ReconnectSuccess)
	}
	return nil
}

// Timeout таймаут HTTP запросов
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutMs) * time.Millisecond
}

// PollInterval интервал опроса котировок
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.API.PollIntervalMs) * time.Millisecond
}

// Schedule задержки попыток переподключения
func (c *Config) Schedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.API.ReconnectSchedule))
	for _, ms := range c.API.ReconnectSchedule {
		if ms > 0 {
			out = append(out, time.Duration(ms)*time.Millisecond)
		}
	}
	return out
}

// MarketMaxAge окно свежести кэша котировок
func (c *Config) MarketMaxAge() time.Duration {
	return time.Duration(c.Trading.MarketMaxAge) * time.Millisecond
}

// Logger настройки логгера
func (c *Config) Logger() logger.Options {
	return logger.Options{
		Level:    c.Log.Level,
		File:     c.Log.File,
		JSONFile: c.Log.JSONFile,
		Console:  c.Log.Console,
		Truncate: c.Log.Truncate,
	}
}

// Influx параметры InfluxDB
func (c *Config) Influx() persist.InfluxConfig {
	return persist.InfluxConfig{
		URL:          c.Storage.URL,
		Token:        c.Storage.Token,
		Organization: c.Storage.Organization,
		Bucket:       c.Storage.Bucket,
	}
}

// Sim параметры симулятора
func (c *Config) Sim() simulator.Config {
	return simulator.Config{
		TickInterval:     time.Duration(c.Simulator.TickIntervalMs) * time.Millisecond,
		ErrorRate:        c.Simulator.ErrorRate,
		ReconnectSuccess: c.Simulator.ReconnectSuccess,
	}
}

// redacted копия без секретов для логов
func (c *Config) redacted() Config {
	out := *c
	if out.Storage.Token != "" {
		out.Storage.Token = "***"
	}
	return out
}
