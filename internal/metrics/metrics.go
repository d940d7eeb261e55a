// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package metrics contains helpers for performance metric management inside
// the processing engine.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Well-known metric names.
const (
	EngineModuleCall      = "engine_module_call"
	EngineContentsTotal   = "engine_contents_total"
	EngineModuleErrors    = "engine_module_errors"
	EngineSubcontents     = "engine_subcontents_total"
	EngineDepthRejections = "engine_depth_rejections"
	EngineSteals          = "engine_steals"
)

// Metrics defines the interface for a collection of performance metrics.
type Metrics interface {
	Timer(name string) Timer
	Histogram(name string) Histogram
	Counter(name string) Counter
	All() map[string]interface{}
	Clear()
}

// Timer defines the interface for a restartable timer that accumulates
// elapsed time.
type Timer interface {
	Start()
	Stop() int64
	Int64() int64
}

// Histogram defines the interface for a histogram with hardcoded percentiles.
type Histogram interface {
	Update(int64)
	Value() interface{}
}

// Counter defines the interface for a monotonic increasing counter.
type Counter interface {
	Incr()
	Add(n int64)
	Value() interface{}
}

// New returns a new Metrics object.
func New() Metrics {
	m := &metrics{}
	m.Clear()
	return m
}

type metrics struct {
	mtx        sync.Mutex
	timers     map[string]Timer
	histograms map[string]Histogram
	counters   map[string]Counter
}

func (m *metrics) Timer(name string) Timer {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	t, ok := m.timers[name]
	if !ok {
		t = &timer{}
		m.timers[name] = t
	}
	return t
}

func (m *metrics) Histogram(name string) Histogram {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	h, ok := m.histograms[name]
	if !ok {
		h = newHistogram()
		m.histograms[name] = h
	}
	return h
}

func (m *metrics) Counter(name string) Counter {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = &counter{}
		m.counters[name] = c
	}
	return c
}

func (m *metrics) All() map[string]interface{} {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	result := map[string]interface{}{}
	for name, t := range m.timers {
		result[prefix("timer", name, "ns")] = t.Int64()
	}
	for name, h := range m.histograms {
		result[prefix("histogram", name, "ns")] = h.Value()
	}
	for name, c := range m.counters {
		result[prefix("counter", name, "")] = c.Value()
	}
	return result
}

func (m *metrics) Clear() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.timers = map[string]Timer{}
	m.histograms = map[string]Histogram{}
	m.counters = map[string]Counter{}
}

// Keys returns the metric names in a stable order.
func Keys(all map[string]interface{}) []string {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func prefix(class, name, units string) string {
	if units == "" {
		return fmt.Sprintf("%v_%v", class, name)
	}
	return fmt.Sprintf("%v_%v_%v", class, name, units)
}

type timer struct {
	mtx   sync.Mutex
	start time.Time
	value int64
}

func (t *timer) Start() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.start = time.Now()
}

func (t *timer) Stop() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delta := time.Since(t.start).Nanoseconds()
	t.value += delta
	return delta
}

func (t *timer) Int64() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.value
}

type histogram struct {
	hist gometrics.Histogram
}

func newHistogram() Histogram {
	// NOTE: the bounds here are copied from how prometheus measures
	// request latency: a forward-decaying sample with the same reservoir
	// size and alpha.
	return &histogram{
		hist: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
	}
}

func (h *histogram) Update(v int64) {
	h.hist.Update(v)
}

func (h *histogram) Value() interface{} {
	values := map[string]interface{}{}
	snap := h.hist.Snapshot()
	percentiles := snap.Percentiles([]float64{0.5, 0.75, 0.9, 0.95, 0.99, 0.999, 0.9999})
	values["count"] = snap.Count()
	values["min"] = snap.Min()
	values["max"] = snap.Max()
	values["mean"] = snap.Mean()
	values["stddev"] = snap.StdDev()
	values["median"] = percentiles[0]
	values["75%"] = percentiles[1]
	values["90%"] = percentiles[2]
	values["95%"] = percentiles[3]
	values["99%"] = percentiles[4]
	values["99.9%"] = percentiles[5]
	values["99.99%"] = percentiles[6]
	return values
}

type counter struct {
	c int64
}

func (c *counter) Incr() {
	atomic.AddInt64(&c.c, 1)
}

func (c *counter) Add(n int64) {
	atomic.AddInt64(&c.c, n)
}

func (c *counter) Value() interface{} {
	return atomic.LoadInt64(&c.c)
}
