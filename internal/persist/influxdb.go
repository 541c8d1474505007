package persist

import (
	"context"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/skalibog/tradesync/internal/clock"
)

const stateMeasurement = "trading_state"

// InfluxConfig параметры подключения к InfluxDB
type InfluxConfig struct {
	URL          string
	Token        string
	Organization string
	Bucket       string
}

// InfluxStore хранит документ как строковое поле payload последней точки по ключу
type InfluxStore struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	bucket   string
	clock    clock.Clock
}

// NewInfluxStore подключается к InfluxDB и проверяет состояние сервера.
// Точки помечаются временем clk.
func NewInfluxStore(ctx context.Context, cfg InfluxConfig, clk clock.Clock) (*InfluxStore, error) {
	if clk == nil {
		clk = clock.Real()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxStore{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		bucket:   cfg.Bucket,
		clock:    clk,
	}, nil
}

// Get возвращает последний сохраненный документ ключа
func (s *InfluxStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: 0)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.key == "%s")
			|> filter(fn: (r) => r._field == "payload")
			|> last()
	`, s.bucket, stateMeasurement, escapeFlux(key))

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса состояния: %w", err)
	}
	defer result.Close()

	if result.Next() {
		payload, _ := result.Record().Value().(string)
		return []byte(payload), nil
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}
	return nil, ErrNotFound
}

// Put записывает новую точку с документом
func (s *InfluxStore) Put(ctx context.Context, key string, value []byte) error {
	point := influxdb2.NewPoint(
		stateMeasurement,
		map[string]string{"key": key},
		map[string]interface{}{"payload": string(value)},
		s.clock.Now(),
	)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("ошибка записи состояния: %w", err)
	}
	return nil
}

// Close закрывает соединение с базой данных
func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}

func escapeFlux(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
