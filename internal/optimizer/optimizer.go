// Package optimizer adjusts per-workflow strategy parameters from
// observed outcomes.
//
// Each workflow's parameters live behind an atomic pointer. The engine
// reads whatever value is current when it picks a template variant; the
// optimizer computes a fresh value and swaps it in whole, so readers
// never observe a half-updated strategy. Stale reads during a swap are
// acceptable.
package optimizer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/workflow"
)

const (
	// DefaultStep is the reinforcement increment applied per cycle.
	DefaultStep = 0.1
	// MinWeight and MaxWeight bound template weights after adjustment.
	MinWeight = 0.05
	MaxWeight = 1.0
)

// Provider exposes current strategy parameters to the engine.
type Provider interface {
	Get(workflowID string) *models.StrategyParameters
}

// Optimizer maintains and periodically recomputes strategy parameters.
type Optimizer struct {
	store    store.Store
	registry *workflow.Registry
	step     float64

	mu     sync.Mutex
	params map[string]*atomic.Pointer[models.StrategyParameters]
}

// New creates an optimizer over the given store and registry.
func New(st store.Store, reg *workflow.Registry) *Optimizer {
	return &Optimizer{
		store:    st,
		registry: reg,
		step:     DefaultStep,
		params:   make(map[string]*atomic.Pointer[models.StrategyParameters]),
	}
}

// Get returns the current parameters for a workflow. Before the first
// optimization cycle this is the uniform default derived from the latest
// registered definition, or nil when the workflow is unknown.
func (o *Optimizer) Get(workflowID string) *models.StrategyParameters {
	if p := o.slot(workflowID).Load(); p != nil {
		return p
	}

	def := o.registry.Latest(workflowID)
	if def == nil {
		return nil
	}
	defaults := models.DefaultStrategyParameters(def)
	// Publish the default so later cycles adjust from a stable base.
	// CompareAndSwap keeps a concurrent first reader from clobbering an
	// optimizer swap that landed in between.
	slot := o.slot(workflowID)
	slot.CompareAndSwap(nil, defaults)
	return slot.Load()
}

func (o *Optimizer) slot(workflowID string) *atomic.Pointer[models.StrategyParameters] {
	o.mu.Lock()
	defer o.mu.Unlock()
	slot, ok := o.params[workflowID]
	if !ok {
		slot = &atomic.Pointer[models.StrategyParameters]{}
		o.params[workflowID] = slot
	}
	return slot
}

// Tick recomputes parameters for one workflow from its full event log
// and swaps the new value in atomically.
func (o *Optimizer) Tick(workflowID string) error {
	current := o.Get(workflowID)
	if current == nil {
		return fmt.Errorf("workflow %s is not registered", workflowID)
	}

	events, err := o.store.ListEventsByWorkflow(workflowID, time.Time{}, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to list events for %s: %w", workflowID, err)
	}

	rates := templateConversionRates(events)
	if len(rates) == 0 {
		slog.Debug("Optimizer Tick skipped, no sends observed", "workflowID", workflowID)
		return nil
	}
	median := medianRate(rates)

	next := current.Clone()
	for tmplName, rate := range rates {
		weight, ok := next.TemplateWeights[tmplName]
		if !ok {
			weight = 1.0
		}
		switch {
		case rate > median:
			weight += o.step
		case rate < median:
			weight -= o.step
		}
		next.TemplateWeights[tmplName] = clampWeight(weight)
	}
	normalizeWeights(next.TemplateWeights)
	next.UpdatedAt = time.Now().UTC()

	o.slot(workflowID).Store(next)
	slog.Info("Optimizer updated strategy", "workflowID", workflowID, "templates", len(next.TemplateWeights), "median_rate", median)
	return nil
}

// RunCycle ticks every registered workflow. Errors on individual
// workflows are logged and the cycle continues.
func (o *Optimizer) RunCycle() {
	defs := o.registry.List()
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.WorkflowID] {
			continue
		}
		seen[def.WorkflowID] = true
		if err := o.Tick(def.WorkflowID); err != nil {
			slog.Error("Optimizer cycle failed for workflow", "error", err, "workflowID", def.WorkflowID)
		}
	}
	slog.Debug("Optimizer cycle complete", "workflows", len(seen))
}

// templateConversionRates computes responded-per-sent per template from
// the event log. Templates with no sends are omitted.
func templateConversionRates(events []models.TrackedEvent) map[string]float64 {
	sent := make(map[string]int)
	responded := make(map[string]int)
	// Responses rarely carry the template, so attribute them through the
	// step that sent the message.
	stepTemplate := make(map[string]string)

	for _, ev := range events {
		switch ev.Kind {
		case models.EventSent:
			if ev.Template != "" {
				sent[ev.Template]++
				stepTemplate[ev.EnrollmentID+"|"+ev.StepID] = ev.Template
			}
		case models.EventResponded:
			tmplName := ev.Template
			if tmplName == "" {
				tmplName = stepTemplate[ev.EnrollmentID+"|"+ev.StepID]
			}
			if tmplName != "" {
				responded[tmplName]++
			}
		}
	}

	rates := make(map[string]float64, len(sent))
	for tmplName, n := range sent {
		rates[tmplName] = float64(responded[tmplName]) / float64(n)
	}
	return rates
}

func medianRate(rates map[string]float64) float64 {
	values := make([]float64, 0, len(rates))
	for _, r := range rates {
		values = append(values, r)
	}
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

func clampWeight(w float64) float64 {
	if w < MinWeight {
		return MinWeight
	}
	if w > MaxWeight {
		return MaxWeight
	}
	return w
}

// normalizeWeights rescales so the strongest template sits at MaxWeight,
// keeping relative preferences while preventing uniform decay to the
// floor.
func normalizeWeights(weights map[string]float64) {
	var max float64
	for _, w := range weights {
		if w > max {
			max = w
		}
	}
	if max == 0 {
		return
	}
	for tmplName, w := range weights {
		weights[tmplName] = clampWeight(w * MaxWeight / max)
	}
}
