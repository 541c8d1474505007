package feed

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/pkg/logger"
)

// Poller периодически запрашивает котировки, пока поток не работает.
// После ошибки интервал растет экспоненциально.
type Poller struct {
	fetch    func(ctx context.Context) error
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger

	mu      sync.Mutex
	backoff *backoff.Backoff
	timer   clock.Timer
	cancel  context.CancelFunc
	running bool
	gen     uint64
}

// NewPoller создает опрос с базовым интервалом
func NewPoller(fetch func(ctx context.Context) error, interval time.Duration, clk clock.Clock) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		fetch:    fetch,
		interval: interval,
		clock:    clk,
		log:      logger.Named("poller"),
		backoff: &backoff.Backoff{
			Min:    interval,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: false,
		},
	}
}

// Start запускает опрос, первый запрос выполняется сразу. Повторный вызов ничего не делает.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.gen++
	p.backoff.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.log.Info("Опрос котировок запущен", zap.Duration("interval", p.interval))
	p.scheduleLocked(ctx, p.gen, 0)
}

// Stop останавливает опрос
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.log.Info("Опрос котировок остановлен")
}

// Running сообщает, идет ли опрос
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) scheduleLocked(ctx context.Context, gen uint64, delay time.Duration) {
	p.timer = p.clock.AfterFunc(delay, func() {
		p.poll(ctx, gen)
	})
}

func (p *Poller) poll(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.gen != gen {
		return
	}

	delay := p.interval
	if err != nil {
		delay = p.backoff.Duration()
		p.log.Warn("Ошибка опроса котировок", zap.Error(err), zap.Duration("retry_in", delay))
	} else {
		p.backoff.Reset()
	}
	p.scheduleLocked(ctx, gen, delay)
}
