package engine

import (
	"github.com/dustin/go-humanize"
	"github.com/lsds/gpustream/backends"
	"k8s.io/klog/v2"
)

// cachedProgram is a compiled program shared by the queries opened with its source.
//
// It is finalized once it was evicted from the cache and no query uses it.
type cachedProgram struct {
	program backends.Program
	refs    int
	evicted bool
}

// acquireProgram returns the program compiled from source, compiling it if not cached. Compilation
// failures are fatal. It must be called with e.mu held.
func (e *Engine) acquireProgram(source string) (*cachedProgram, error) {
	if p, found := e.programs.Get(source); found {
		p.refs++
		e.metrics.CacheHits.Inc()
		return p, nil
	}
	program, err := e.backend.Compile(source)
	backends.AbortIf(err, "compiling program of %s", humanize.Bytes(uint64(len(source))))
	if err != nil {
		return nil, err
	}
	e.metrics.Compilations.Inc()
	klog.V(1).Infof("program compiled (%s of source)", humanize.Bytes(uint64(len(source))))
	p := &cachedProgram{program: program, refs: 1}
	e.programs.Add(source, p)
	return p, nil
}

// releaseProgram drops one reference to p. It must be called with e.mu held.
func (e *Engine) releaseProgram(p *cachedProgram) {
	p.refs--
	if p.refs == 0 && p.evicted {
		p.program.Finalize()
	}
}

func (e *Engine) onEvict(_ string, p *cachedProgram) {
	p.evicted = true
	if p.refs == 0 {
		p.program.Finalize()
	}
}

// CachedPrograms returns the number of compiled programs in the cache.
func (e *Engine) CachedPrograms() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.programs.Len()
}
