package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// supportedLanguages lists the runtimes a pool pre-warms on construction.
var supportedLanguages = []string{"python", "nodejs", "go", "bash"}

// Pool keeps a set of warm RuntimeExecutors per language so the
// execute_code tool doesn't pay container/process startup cost on every
// call. One languagePool per supported runtime.
type Pool struct {
	config *Config
	langs  map[string]*languagePool
	mu     sync.RWMutex
	closed bool
}

// languagePool is the reusable-executor ring for a single language.
type languagePool struct {
	language  string
	available chan RuntimeExecutor
	active    int
	maxSize   int
	mu        sync.Mutex
}

// PoolStats reports point-in-time occupancy for one language pool.
type PoolStats struct {
	Language  string `json:"language"`
	Available int    `json:"available"`
	Active    int    `json:"active"`
	MaxSize   int    `json:"max_size"`
}

const waitForExecutorTimeout = 10 * time.Second

// NewPool builds a Pool and pre-creates up to config.PoolSize executors per
// language. A language that fails to pre-warm is left empty; Get still
// creates executors for it on demand, up to MaxPoolSize.
func NewPool(config *Config) (*Pool, error) {
	if config == nil {
		return nil, errors.New("sandbox: pool config cannot be nil")
	}

	p := &Pool{
		config: config,
		langs:  make(map[string]*languagePool, len(supportedLanguages)),
	}

	for _, lang := range supportedLanguages {
		lp := &languagePool{
			language:  lang,
			available: make(chan RuntimeExecutor, config.MaxPoolSize),
			maxSize:   config.MaxPoolSize,
		}
		p.langs[lang] = lp

		warm := config.PoolSize
		if warm > config.MaxPoolSize {
			warm = config.MaxPoolSize
		}
		for i := 0; i < warm; i++ {
			executor, err := p.newExecutor(lang)
			if err != nil {
				// Runtime not reachable yet (e.g. no docker daemon); the
				// pool still grows on demand once it is.
				break
			}
			lp.available <- executor
			lp.active++
		}
	}

	return p, nil
}

// Get checks out an executor for language, creating one if the pool has
// headroom and blocking (up to waitForExecutorTimeout) if it doesn't.
func (p *Pool) Get(ctx context.Context, language string) (RuntimeExecutor, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New("sandbox: pool is closed")
	}

	lp, ok := p.langs[language]
	if !ok {
		return nil, fmt.Errorf("sandbox: unsupported language %q", language)
	}

	select {
	case executor := <-lp.available:
		return executor, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lp.mu.Lock()
	if lp.active < lp.maxSize {
		lp.active++
		lp.mu.Unlock()
		executor, err := p.newExecutor(language)
		if err != nil {
			lp.mu.Lock()
			lp.active--
			lp.mu.Unlock()
			return nil, err
		}
		return executor, nil
	}
	lp.mu.Unlock()

	select {
	case executor := <-lp.available:
		return executor, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(waitForExecutorTimeout):
		return nil, fmt.Errorf("sandbox: timed out waiting for a %s executor", language)
	}
}

// Put returns executor to its language pool, or closes it if the pool is
// full or shutting down.
func (p *Pool) Put(executor RuntimeExecutor) {
	if executor == nil {
		return
	}

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		executor.Close()
		return
	}

	lp, ok := p.langs[executor.Language()]
	if !ok {
		executor.Close()
		return
	}

	select {
	case lp.available <- executor:
	default:
		executor.Close()
		lp.mu.Lock()
		lp.active--
		lp.mu.Unlock()
	}
}

// Close shuts down every executor currently checked into the pool. Executors
// on loan at the time of Close are closed individually when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, lp := range p.langs {
		close(lp.available)
		for executor := range lp.available {
			executor.Close()
		}
	}
	return nil
}

// newExecutor builds one RuntimeExecutor for language using the pool's
// configured backend.
func (p *Pool) newExecutor(language string) (RuntimeExecutor, error) {
	switch p.config.Backend {
	case BackendDocker:
		return newDockerExecutor(language, p.config.DefaultCPU, p.config.DefaultMemory, p.config.NetworkEnabled)
	default:
		return nil, fmt.Errorf("sandbox: unsupported backend %q", p.config.Backend)
	}
}

// Stats reports current occupancy of every language pool.
func (p *Pool) Stats() map[string]PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]PoolStats, len(p.langs))
	for lang, lp := range p.langs {
		lp.mu.Lock()
		stats[lang] = PoolStats{Language: lang, Available: len(lp.available), Active: lp.active, MaxSize: lp.maxSize}
		lp.mu.Unlock()
	}
	return stats
}

// Warmup creates up to count additional idle executors for language,
// stopping early once the pool's MaxPoolSize is reached.
func (p *Pool) Warmup(ctx context.Context, language string, count int) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.New("sandbox: pool is closed")
	}

	lp, ok := p.langs[language]
	if !ok {
		return fmt.Errorf("sandbox: unsupported language %q", language)
	}

	var wg sync.WaitGroup
	errs := make(chan error, count)

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lp.mu.Lock()
			if lp.active >= lp.maxSize {
				lp.mu.Unlock()
				return
			}
			lp.active++
			lp.mu.Unlock()

			executor, err := p.newExecutor(language)
			if err != nil {
				lp.mu.Lock()
				lp.active--
				lp.mu.Unlock()
				errs <- err
				return
			}

			select {
			case lp.available <- executor:
			default:
				executor.Close()
				lp.mu.Lock()
				lp.active--
				lp.mu.Unlock()
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// Shrink closes up to count idle (not checked-out) executors for language.
func (p *Pool) Shrink(language string, count int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("sandbox: pool is closed")
	}

	lp, ok := p.langs[language]
	if !ok {
		return fmt.Errorf("sandbox: unsupported language %q", language)
	}

	for i := 0; i < count; i++ {
		select {
		case executor := <-lp.available:
			executor.Close()
			lp.mu.Lock()
			lp.active--
			lp.mu.Unlock()
		default:
			return nil
		}
	}
	return nil
}

// Health reports an error for any language with neither idle nor active
// executors — i.e. a runtime the pool has lost the ability to serve.
func (p *Pool) Health() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("sandbox: pool is closed")
	}

	for lang, lp := range p.langs {
		lp.mu.Lock()
		available, active := len(lp.available), lp.active
		lp.mu.Unlock()
		if available == 0 && active == 0 {
			return fmt.Errorf("sandbox: no executors available for %s", lang)
		}
	}
	return nil
}
