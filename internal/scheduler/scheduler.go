// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package scheduler drives the recursive fan-out: N workers share
// work-stealing deques, run every module against every content, deliver the
// harvest to the sink, and enqueue emitted sub-content depth-first.
package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
	"github.com/tordynnar/wadup2/internal/content"
	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/metrics"
	"github.com/tordynnar/wadup2/internal/sink"
	"github.com/tordynnar/wadup2/internal/wasi"
)

// ModuleRunner is one module instance bound to this worker. wasm.Instance
// implements it; tests substitute fakes.
type ModuleRunner interface {
	Name() string
	Run(contentID uuid.UUID, data buffer.Buffer, filename string) (*wasi.Context, error)
}

// InstanceFactory builds the per-worker module instances. It is called once
// on each worker thread so instances never cross workers.
type InstanceFactory func() ([]ModuleRunner, error)

// Config carries the scheduler's collaborators and bounds.
type Config struct {
	Workers  int
	MaxDepth int
	Store    *content.Store
	Sink     sink.Sink
	Metrics  metrics.Metrics
	Log      logging.Logger
}

// Scheduler runs one processing pass over a set of root contents.
type Scheduler struct {
	cfg Config
	log logging.Logger
}

// New validates cfg and returns a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Store == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("scheduler requires a content store and a sink")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Get()
	}
	return &Scheduler{cfg: cfg, log: cfg.Log}, nil
}

// Run processes initial and everything recursively emitted from it, blocking
// until all deques drain. Per-content failures are recorded and do not fail
// the run; only worker setup errors propagate.
func (s *Scheduler) Run(initial []*content.Content, newInstances InstanceFactory) error {
	// Buffers are installed before any content is visible to a worker.
	for _, c := range initial {
		if c.Body.Kind == content.Owned {
			s.cfg.Store.Insert(c.UUID, c.Body.Buffer)
		}
	}

	deques := make([]*Deque, s.cfg.Workers)
	for i := range deques {
		deques[i] = NewDeque()
	}
	// Everything starts on worker 0; the stealers rebalance.
	for _, c := range initial {
		deques[0].Push(c)
	}

	var wg sync.WaitGroup
	errs := make(chan error, s.cfg.Workers)

	for id := 0; id < s.cfg.Workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			instances, err := newInstances()
			if err != nil {
				errs <- fmt.Errorf("worker %d: %w", id, err)
				return
			}
			w := &worker{
				id:        id,
				local:     deques[id],
				stealers:  stealersFor(deques, id),
				instances: instances,
				cfg:       s.cfg,
				log:       s.log.WithFields(map[string]interface{}{"worker": id}),
			}
			w.run()
		}(id)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

func stealersFor(deques []*Deque, self int) []*Deque {
	out := make([]*Deque, 0, len(deques)-1)
	for i, d := range deques {
		if i != self {
			out = append(out, d)
		}
	}
	return out
}

type worker struct {
	id        int
	local     *Deque
	stealers  []*Deque
	instances []ModuleRunner
	cfg       Config
	log       logging.Logger
}

func (w *worker) run() {
	processed := 0
	for {
		c, ok := w.next()
		if !ok {
			break
		}
		w.process(c)
		processed++
	}
	w.log.Debug("Worker drained after %d contents", processed)
}

// next pops locally, then consults every stealer, honoring the retry
// protocol. Returns false when the system looks quiescent from here.
func (w *worker) next() (*content.Content, bool) {
	if c, ok := w.local.Pop(); ok {
		return c, true
	}
	for {
		retry := false
		for _, victim := range w.stealers {
			c, res := victim.Steal()
			switch res {
			case StealSuccess:
				w.cfg.Metrics.Counter(metrics.EngineSteals).Incr()
				return c, true
			case StealRetry:
				retry = true
			}
		}
		if !retry {
			return nil, false
		}
	}
}

// process runs every module against c, records the harvest, and enqueues
// accepted sub-content onto the local deque.
func (w *worker) process(c *content.Content) {
	w.cfg.Metrics.Counter(metrics.EngineContentsTotal).Incr()
	log := w.log.WithFields(map[string]interface{}{
		"content":  c.UUID.String(),
		"filename": c.Filename,
		"depth":    c.Depth,
	})
	log.Debug("Processing content")

	if err := w.cfg.Sink.StartContent(c.UUID, c.Filename, c.Parent); err != nil {
		log.Error("Failed to register content at sink: %v", err)
	}

	data, err := w.cfg.Store.Resolve(c)
	if err != nil {
		log.Error("Failed to resolve content: %v", err)
		w.finalize(c, []string{fmt.Sprintf("content resolve failed: %v", err)})
		return
	}

	var emissions []wasi.Emission
	var failures []string

	for _, inst := range w.instances {
		if err := w.cfg.Sink.SetCurrentModule(c.UUID, inst.Name()); err != nil {
			log.Error("Failed to scope module %q at sink: %v", inst.Name(), err)
		}

		timer := w.cfg.Metrics.Timer(metrics.EngineModuleCall)
		timer.Start()
		proc, err := inst.Run(c.UUID, data, c.Filename)
		timer.Stop()

		if err != nil {
			w.cfg.Metrics.Counter(metrics.EngineModuleErrors).Incr()
			msg := err.Error()
			log.Warn("Module failed: %v", err)
			failures = append(failures, msg)
		} else {
			for _, schema := range proc.Schemas {
				if err := w.cfg.Sink.DefineTable(schema); err != nil {
					log.Warn("Module %q: define table %q: %v", inst.Name(), schema.Name, err)
				}
			}
			for _, row := range proc.Rows {
				if err := w.cfg.Sink.InsertRow(row.TableName, c.UUID, row.Values); err != nil {
					log.Warn("Module %q: insert row into %q: %v", inst.Name(), row.TableName, err)
				}
			}
			emissions = append(emissions, proc.Emissions...)
		}

		if proc != nil && (proc.Stdout.Len() > 0 || proc.Stderr.Len() > 0 || proc.Stdout.Truncated() || proc.Stderr.Truncated()) {
			if err := w.cfg.Sink.RecordModuleOutput(c.UUID, inst.Name(),
				proc.Stdout.String(), proc.Stderr.String(),
				proc.Stdout.Truncated(), proc.Stderr.Truncated()); err != nil {
				log.Error("Failed to record module output for %q: %v", inst.Name(), err)
			}
		}
	}

	w.finalize(c, failures)
	w.enqueueEmissions(c, data, emissions, log)
}

func (w *worker) finalize(c *content.Content, failures []string) {
	var err error
	if len(failures) == 0 {
		err = w.cfg.Sink.FinalizeContentSuccess(c.UUID)
	} else {
		err = w.cfg.Sink.FinalizeContentFailure(c.UUID, strings.Join(failures, "; "))
	}
	if err != nil {
		w.log.Error("Failed to finalize content %v: %v", c.UUID, err)
	}
}

// enqueueEmissions converts the call's sub-content emissions into new work
// items on the local deque. Byte emissions wrap the harvested buffer without
// copying; slice emissions borrow the parent's bytes.
func (w *worker) enqueueEmissions(parent *content.Content, parentData buffer.Buffer, emissions []wasi.Emission, log logging.Logger) {
	for _, e := range emissions {
		var body content.Body
		switch e.Kind {
		case wasi.EmitBytes:
			body = content.OwnedBody(e.Bytes)
		case wasi.EmitSlice:
			if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > parentData.Len() {
				log.Warn("Dropping slice emission %q: range [%d, %d) exceeds %d parent bytes",
					e.Filename, e.Offset, e.Offset+e.Length, parentData.Len())
				continue
			}
			body = content.BorrowedBody(parent.UUID, e.Offset, e.Length)
		default:
			continue
		}

		child, err := content.NewChild(parent, body, e.Filename, w.cfg.MaxDepth)
		if err != nil {
			w.cfg.Metrics.Counter(metrics.EngineDepthRejections).Incr()
			log.Warn("Rejecting sub-content %q: %v", e.Filename, err)
			continue
		}
		if body.Kind == content.Owned {
			w.cfg.Store.Insert(child.UUID, body.Buffer)
		}

		w.cfg.Metrics.Counter(metrics.EngineSubcontents).Incr()
		log.Debug("Enqueuing sub-content %q (depth %d)", child.Filename, child.Depth)
		w.local.Push(child)
	}
}
