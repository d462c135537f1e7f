package reflex

import (
	"log/slog"
	"time"
)

// Builder configures a Manager before initialization.
// Use NewBuilder() to create a builder and chain configuration methods.
type Builder struct {
	service      CompileService
	tickRate     time.Duration
	workers      int
	historyDepth int
	log          *slog.Logger
}

// NewBuilder creates a new builder with defaults: 20 ticks per second, one
// worker per CPU and a history depth of three.
func NewBuilder() *Builder {
	return &Builder{
		tickRate:     DefaultTickRate,
		historyDepth: DefaultHistoryDepth,
	}
}

// CompileService sets the service used to materialize script instances.
func (b *Builder) CompileService(s CompileService) *Builder {
	b.service = s
	return b
}

// TickRate sets the interval of the free-running scheduler loop.
func (b *Builder) TickRate(d time.Duration) *Builder {
	b.tickRate = d
	return b
}

// Workers sets the scheduler worker pool size. Zero means one worker per
// CPU.
func (b *Builder) Workers(n int) *Builder {
	b.workers = n
	return b
}

// HistoryDepth bounds each script's version chain to n entries in total.
func (b *Builder) HistoryDepth(n int) *Builder {
	b.historyDepth = n
	return b
}

// Logger sets the logger shared by the cache, manager and scheduler.
func (b *Builder) Logger(log *slog.Logger) *Builder {
	b.log = log
	return b
}

// Init builds the Manager. The scheduler is not started; call
// Manager.Start for the free-running loop or Manager.Step to drive ticks
// yourself.
func (b *Builder) Init() *Manager {
	log := b.log
	if log == nil {
		log = slog.Default()
	}

	cache := NewCache(b.service,
		WithHistoryDepth(b.historyDepth),
		WithCacheLogger(log))

	return newManager(cache, b.tickRate, b.workers, log)
}
