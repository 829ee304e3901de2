package transcode

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/skypro1111/wav-stream-converter/internal/metrics"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

var (
	// ErrBusy is returned by Admit when every conversion slot is taken.
	ErrBusy = errors.New("transcode: too many concurrent conversions")

	// ErrStopped is returned by Admit after Stop.
	ErrStopped = errors.New("transcode: registry stopped")
)

// historySize is the number of finished conversions kept for the API
const historySize = 64

// RegistryConfig contains conversion limits
type RegistryConfig struct {
	MaxConcurrent int // 0 = unlimited
	Options       Options
}

// Registry admits, runs and tracks conversions
type Registry struct {
	cfg     RegistryConfig
	tc      Transcoder
	metrics *metrics.Metrics
	logger  *slog.Logger

	semaphore chan struct{} // nil when unlimited

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	active  map[string]*Conversion
	history []ConversionInfo
	stopped bool

	started  atomic.Uint64
	finished atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// Ticket is an admitted conversion slot. It is consumed by Serve or
// returned with Release.
type Ticket struct {
	r    *Registry
	once sync.Once
}

// Release returns the slot without running a conversion
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.r.wg.Done()
		if t.r.semaphore != nil {
			<-t.r.semaphore
		}
	})
}

// RegistryStats holds cumulative counters
type RegistryStats struct {
	Active        int    `json:"active"`
	MaxConcurrent int    `json:"max_concurrent"`
	Started       uint64 `json:"started"`
	Finished      uint64 `json:"finished"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
}

// NewRegistry creates a registry running conversions through tc
func NewRegistry(cfg RegistryConfig, tc Transcoder, m *metrics.Metrics, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:     cfg,
		tc:      tc,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*Conversion),
	}
	if cfg.MaxConcurrent > 0 {
		r.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return r
}

// Admit reserves a slot without blocking
func (r *Registry) Admit() (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrStopped
	}
	if r.semaphore != nil {
		select {
		case r.semaphore <- struct{}{}:
		default:
			r.rejected.Add(1)
			r.metrics.RecordConversionRejected()
			return nil, ErrBusy
		}
	}
	r.wg.Add(1)
	return &Ticket{r: r}, nil
}

// Serve runs a conversion on ch and releases t when it ends. The
// conversion is cancelled by ctx or by Stop.
func (r *Registry) Serve(ctx context.Context, t *Ticket, ch transport.Channel, remoteAddr string) (ConversionInfo, error) {
	defer t.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	conv := NewConversion(uuid.NewString(), ch, r.tc, r.cfg.Options, r.metrics, r.logger)
	conv.RemoteAddr = remoteAddr

	r.mu.Lock()
	r.active[conv.ID] = conv
	r.mu.Unlock()
	r.started.Add(1)

	err := conv.Run(ctx)
	if err != nil {
		r.failed.Add(1)
	} else {
		r.finished.Add(1)
	}

	info := conv.Info()
	r.mu.Lock()
	delete(r.active, conv.ID)
	r.history = append(r.history, info)
	if len(r.history) > historySize {
		r.history = slices.Delete(r.history, 0, len(r.history)-historySize)
	}
	r.mu.Unlock()
	return info, err
}

// List returns running conversions followed by recently finished ones
func (r *Registry) List() []ConversionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConversionInfo, 0, len(r.active)+len(r.history))
	for _, conv := range r.active {
		infos = append(infos, conv.Info())
	}
	slices.SortFunc(infos, func(a, b ConversionInfo) int {
		return a.StartTime.Compare(b.StartTime)
	})
	for i := len(r.history) - 1; i >= 0; i-- {
		infos = append(infos, r.history[i])
	}
	return infos
}

// Get returns the conversion with id, running or recently finished
func (r *Registry) Get(id string) (ConversionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if conv, ok := r.active[id]; ok {
		return conv.Info(), true
	}
	for _, info := range r.history {
		if info.ID == id {
			return info, true
		}
	}
	return ConversionInfo{}, false
}

// Stats returns cumulative counters
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	active := len(r.active)
	r.mu.RUnlock()

	return RegistryStats{
		Active:        active,
		MaxConcurrent: r.cfg.MaxConcurrent,
		Started:       r.started.Load(),
		Finished:      r.finished.Load(),
		Failed:        r.failed.Load(),
		Rejected:      r.rejected.Load(),
	}
}

// Stop refuses new conversions, cancels the running ones and waits for
// them to end or for ctx to expire.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("All conversions stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
