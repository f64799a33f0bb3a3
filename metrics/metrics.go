// Package metrics accumulates run statistics behind a single lock. All
// counters are monotonically non-decreasing within a run; Report is a pure
// read and safe to call mid-run.
package metrics

import (
	"sync"
	"time"
)

type phase struct {
	start    time.Time
	end      time.Time
	duration time.Duration
	closed   bool
}

type tally struct {
	Total   int
	Success int
	Failed  int
}

// Collector is the passive sink the planner, retrier and executor emit
// into. The zero value is not usable; call NewCollector.
type Collector struct {
	mu sync.Mutex

	phases     map[string]*phase
	phaseOrder []string

	apiCalls      tally
	apiByOp       map[string]*tally
	responseTimes []time.Duration

	operations map[string]*tally

	cacheHits   int
	cacheMisses int

	startTime time.Time
	endTime   time.Time
}

func NewCollector() *Collector {
	return &Collector{
		phases:     make(map[string]*phase),
		apiByOp:    make(map[string]*tally),
		operations: make(map[string]*tally),
	}
}

// StartPhase records the beginning of a named phase.
func (c *Collector) StartPhase(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.phases[name]; !ok {
		c.phases[name] = &phase{}
		c.phaseOrder = append(c.phaseOrder, name)
	}
	c.phases[name].start = time.Now()
}

// EndPhase closes a named phase. Ending a phase that never started is a
// no-op.
func (c *Collector) EndPhase(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.phases[name]
	if !ok || p.start.IsZero() {
		return
	}
	p.end = time.Now()
	p.duration = p.end.Sub(p.start)
	p.closed = true
}

// RecordAPICall tallies one remote call attempt. Implements retry.Recorder.
func (c *Collector) RecordAPICall(op string, success bool, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bump(&c.apiCalls, success)
	t, ok := c.apiByOp[op]
	if !ok {
		t = &tally{}
		c.apiByOp[op] = t
	}
	bump(t, success)
	c.responseTimes = append(c.responseTimes, elapsed)
}

// RecordOperation tallies one identity operation outcome by kind
// ("create", "update", "delete", ...).
func (c *Collector) RecordOperation(kind string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.operations[kind]
	if !ok {
		t = &tally{}
		c.operations[kind] = t
	}
	bump(t, success)
}

func bump(t *tally, success bool) {
	t.Total++
	if success {
		t.Success++
	} else {
		t.Failed++
	}
}

func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits++
}

func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMisses++
}

// MarkStart stamps the overall run start.
func (c *Collector) MarkStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = time.Now()
}

// MarkEnd stamps the overall run end.
func (c *Collector) MarkEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endTime = time.Now()
}

// PhaseReport is the readout of one completed or running phase.
type PhaseReport struct {
	Name     string
	Duration time.Duration
	Complete bool
}

// Tally is an exported counter triple.
type Tally struct {
	Total   int
	Success int
	Failed  int
}

// Report is a point-in-time snapshot of every counter, consumed by the
// reporting collaborator.
type Report struct {
	Phases          []PhaseReport
	APICalls        Tally
	APICallsByOp    map[string]Tally
	Operations      map[string]Tally
	AvgResponseTime time.Duration
	CacheHits       int
	CacheMisses     int
	CacheHitRate    float64
	TotalDuration   time.Duration
	UsersPerSecond  float64
}

// GenerateReport produces a consistent snapshot of the collected counters.
func (c *Collector) GenerateReport() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Report{
		APICalls:     Tally(c.apiCalls),
		APICallsByOp: make(map[string]Tally, len(c.apiByOp)),
		Operations:   make(map[string]Tally, len(c.operations)),
		CacheHits:    c.cacheHits,
		CacheMisses:  c.cacheMisses,
	}

	for _, name := range c.phaseOrder {
		p := c.phases[name]
		d := p.duration
		if !p.closed && !p.start.IsZero() {
			d = time.Since(p.start)
		}
		r.Phases = append(r.Phases, PhaseReport{Name: name, Duration: d, Complete: p.closed})
	}

	for op, t := range c.apiByOp {
		r.APICallsByOp[op] = Tally(*t)
	}
	totalOps := 0
	for kind, t := range c.operations {
		r.Operations[kind] = Tally(*t)
		totalOps += t.Total
	}

	if len(c.responseTimes) > 0 {
		var sum time.Duration
		for _, rt := range c.responseTimes {
			sum += rt
		}
		r.AvgResponseTime = sum / time.Duration(len(c.responseTimes))
	}

	if total := c.cacheHits + c.cacheMisses; total > 0 {
		r.CacheHitRate = float64(c.cacheHits) / float64(total)
	}

	if !c.startTime.IsZero() {
		end := c.endTime
		if end.IsZero() {
			end = time.Now()
		}
		r.TotalDuration = end.Sub(c.startTime)
		if r.TotalDuration > 0 && totalOps > 0 {
			r.UsersPerSecond = float64(totalOps) / r.TotalDuration.Seconds()
		}
	}

	return r
}
