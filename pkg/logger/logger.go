package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options настройки логгера
type Options struct {
	Level    string // debug, info, warn, error
	File     string // читаемый лог, пусто - не писать
	JSONFile string // JSON лог, пусто - не писать
	Console  bool   // дублировать в stderr
	Truncate bool   // очищать файлы при запуске
}

// DefaultOptions настройки по умолчанию
func DefaultOptions() Options {
	return Options{
		Level:    "info",
		File:     "tradesync.log",
		JSONFile: "tradesync.json.log",
	}
}

// Глобальный экземпляр логгера
var (
	globalLogger *zap.Logger
	mu           sync.RWMutex
)

// Init инициализирует глобальный логгер
func Init(opts Options) error {
	l, err := newLogger(opts)
	if err != nil {
		return err
	}

	mu.Lock()
	globalLogger = l
	mu.Unlock()
	return nil
}

// UseNop заменяет логгер на пустой (для тестов)
func UseNop() {
	SetLogger(zap.NewNop())
}

// SetLogger подменяет глобальный логгер
func SetLogger(l *zap.Logger) {
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

// GetLogger возвращает глобальный экземпляр логгера
func GetLogger() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	// Без Init пишем только в stderr
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger, _ = newLogger(Options{Level: "info", Console: true})
	}
	return globalLogger
}

// Named возвращает дочерний логгер компонента
func Named(name string) *zap.Logger {
	return GetLogger().Named(name)
}

// Sync сбрасывает буферы
func Sync() {
	_ = GetLogger().Sync()
}

// Вспомогательные функции для удобства использования
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// newLogger собирает zap-логгер из настроек
func newLogger(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	// Конфигурация энкодера
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("02.01.2006 - 15:04:05.000000000Z07:00")
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	plainConfig := encoderConfig
	plainConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core

	if opts.File != "" {
		f, err := openLogFile(opts.File, opts.Truncate)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(plainConfig), zapcore.AddSync(f), level))
	}
	if opts.JSONFile != "" {
		f, err := openLogFile(opts.JSONFile, opts.Truncate)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(plainConfig), zapcore.AddSync(f), level))
	}
	if opts.Console || len(cores) == 0 {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

func openLogFile(path string, truncate bool) (*os.File, error) {
	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла лога %s: %w", path, err)
	}
	return f, nil
}
