package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/messaging"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/optimizer"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/render"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/tracker"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/workflow"
	"github.com/google/uuid"
)

const (
	// DefaultWorkerCount bounds how many enrollments one tick processes
	// concurrently.
	DefaultWorkerCount = 8
	// maxBackoff caps the exponential retry backoff.
	maxBackoff = 6 * time.Hour
)

// Metrics receives engine counters. Implemented by the metrics package;
// a nil Metrics disables reporting.
type Metrics interface {
	TriggerFired(ctx context.Context)
	AgentError(ctx context.Context)
	SetUnprocessedLeads(ctx context.Context, n int64)
}

// Opts holds engine configuration options.
type Opts struct {
	Clock   func() time.Time
	Workers int
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithClock overrides the engine's time source. Tests use this to drive
// the state machine deterministically.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithWorkers sets the per-tick worker pool size.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// Engine advances enrollments through their workflows. It implements
// messaging.EventSink so the response handler can feed delivery receipts
// and lead responses back into the state machine.
type Engine struct {
	store    store.Store
	registry *workflow.Registry
	gate     *Gate
	tracker  *tracker.Tracker
	strategy optimizer.Provider
	renderer *render.Renderer
	senders  map[models.Channel]messaging.Service
	metrics  Metrics
	clock    func() time.Time
	workers  int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires an engine from its collaborators.
func NewEngine(
	st store.Store,
	reg *workflow.Registry,
	gate *Gate,
	tr *tracker.Tracker,
	strategy optimizer.Provider,
	renderer *render.Renderer,
	senders map[models.Channel]messaging.Service,
	m Metrics,
	opts ...Option,
) *Engine {
	cfg := Opts{Clock: time.Now, Workers: DefaultWorkerCount}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount
	}
	return &Engine{
		store:    st,
		registry: reg,
		gate:     gate,
		tracker:  tr,
		strategy: strategy,
		renderer: renderer,
		senders:  senders,
		metrics:  m,
		clock:    cfg.Clock,
		workers:  cfg.Workers,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing work on one enrollment.
func (e *Engine) lockFor(enrollmentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[enrollmentID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[enrollmentID] = l
	}
	return l
}

// Enroll starts a lead on a workflow. The first step is scheduled
// immediately plus its own delay. A lead may not be enrolled twice in
// the same workflow while a prior enrollment is still active.
func (e *Engine) Enroll(ctx context.Context, leadID, workflowID, version string) (*models.LeadEnrollment, error) {
	lead, err := e.store.GetLead(leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lead: %w", err)
	}
	if lead == nil {
		return nil, fmt.Errorf("lead %s not found", leadID)
	}

	var def *models.WorkflowDefinition
	if version != "" {
		def = e.registry.Get(workflowID, version)
	} else {
		def = e.registry.Latest(workflowID)
	}
	if def == nil {
		return nil, fmt.Errorf("workflow %s is not registered", workflowID)
	}

	existing, err := e.store.ListEnrollmentsByLead(leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing enrollments: %w", err)
	}
	for _, prior := range existing {
		if prior.WorkflowID == workflowID && !prior.Status.IsTerminal() {
			return nil, fmt.Errorf("lead %s already has active enrollment %s in workflow %s", leadID, prior.ID, workflowID)
		}
	}

	now := e.clock().UTC()
	first := def.Steps[0]
	enrollment := models.LeadEnrollment{
		ID:               uuid.NewString(),
		LeadID:           leadID,
		WorkflowID:       def.WorkflowID,
		WorkflowVersion:  def.Version,
		Status:           models.EnrollmentStatusPending,
		CurrentStep:      first.StepID,
		EarliestFireTime: e.applyTimingOffset(def.WorkflowID, first.StepID, now.Add(first.Delay())),
		History:          make(map[string]models.StepRecord),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.SaveEnrollment(enrollment); err != nil {
		return nil, fmt.Errorf("failed to save enrollment: %w", err)
	}

	slog.Info("Engine enrolled lead", "leadID", leadID, "workflowID", def.WorkflowID, "enrollmentID", enrollment.ID, "fire_time", enrollment.EarliestFireTime)
	return &enrollment, nil
}

// Tick runs one scheduling pass: sweep in-flight timeouts, then process
// every due enrollment through a bounded worker pool. Failures on one
// enrollment never abort the pass.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clock().UTC()

	if err := e.sweepInFlight(ctx, now); err != nil {
		slog.Error("Engine in-flight sweep failed", "error", err)
		e.reportError(ctx)
	}

	due, err := e.store.ListDueEnrollments(now)
	if err != nil {
		e.reportError(ctx)
		return fmt.Errorf("failed to list due enrollments: %w", err)
	}
	if e.metrics != nil {
		e.metrics.SetUnprocessedLeads(ctx, int64(len(due)))
	}
	if len(due) == 0 {
		return nil
	}
	slog.Debug("Engine tick processing due enrollments", "count", len(due))

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, enrollment := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.processEnrollment(ctx, id); err != nil {
				slog.Error("Engine failed to process enrollment", "error", err, "enrollmentID", id)
				e.reportError(ctx)
			}
		}(enrollment.ID)
	}
	wg.Wait()
	return nil
}

// processEnrollment advances one due enrollment by a single transition.
func (e *Engine) processEnrollment(ctx context.Context, enrollmentID string) error {
	lock := e.lockFor(enrollmentID)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock().UTC()

	// Reload under the lock; the listing snapshot may be stale.
	enrollment, err := e.store.GetEnrollment(enrollmentID)
	if err != nil {
		return fmt.Errorf("failed to reload enrollment: %w", err)
	}
	if enrollment == nil || enrollment.Status != models.EnrollmentStatusPending ||
		enrollment.Paused || enrollment.EarliestFireTime.After(now) {
		return nil
	}

	def := e.registry.Get(enrollment.WorkflowID, enrollment.WorkflowVersion)
	if def == nil {
		return e.quarantine(ctx, enrollment, now, "workflow definition missing")
	}
	step, _ := def.Step(enrollment.CurrentStep)
	if step == nil {
		return e.quarantine(ctx, enrollment, now, "current step not in definition")
	}
	lead, err := e.store.GetLead(enrollment.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load lead: %w", err)
	}
	if lead == nil {
		return e.quarantine(ctx, enrollment, now, "lead missing")
	}

	// The stop flag wins over everything else that would become
	// externally observable.
	if enrollment.StopRequested {
		return e.exit(enrollment, now, models.ExitReasonStopped)
	}

	// A no_response branch only looks back to its prerequisite's send;
	// replies that predate it belong to earlier steps.
	var respondedSince time.Time
	if step.Conditions.NoResponse {
		if fired, ok := enrollment.StepFired(step.Conditions.PreviousStep); ok {
			respondedSince = fired
		}
	}
	responded, err := e.tracker.Responded(enrollment.ID, respondedSince)
	if err != nil {
		return fmt.Errorf("failed to check responses: %w", err)
	}

	decision := EvaluateStep(*step, lead, enrollment, responded, now)
	switch decision.Kind {
	case DecisionWaiting:
		enrollment.Reschedule(decision.Until)
		enrollment.UpdatedAt = now
		return e.store.SaveEnrollment(*enrollment)

	case DecisionBlocked:
		return e.handleBlocked(ctx, def, enrollment, decision, now)

	case DecisionEligible:
		return e.dispatch(ctx, def, step, lead, enrollment, now)
	}
	return nil
}

// handleBlocked routes a blocked step. A lead that responded on a
// no_response branch leaves the sequence; it exits as a success when the
// workflow's criteria are met, otherwise as stopped. Other blocks retry
// with backoff until max_retries is exhausted.
func (e *Engine) handleBlocked(ctx context.Context, def *models.WorkflowDefinition, enrollment *models.LeadEnrollment, decision Decision, now time.Time) error {
	if decision.Reason == BlockHasResponse {
		success, err := e.tracker.MeetsSuccessCriteria(def, models.EventResponded)
		if err != nil {
			return fmt.Errorf("failed to evaluate success criteria: %w", err)
		}
		reason := models.ExitReasonStopped
		if success {
			reason = models.ExitReasonSuccess
		}
		slog.Info("Engine exiting responded enrollment", "enrollmentID", enrollment.ID, "reason", reason)
		return e.exit(enrollment, now, reason)
	}

	if enrollment.RetryCount >= def.MaxRetries() {
		slog.Warn("Engine enrollment exhausted retries while blocked", "enrollmentID", enrollment.ID, "reason", decision.Reason)
		return e.exit(enrollment, now, models.ExitReasonExhausted)
	}

	enrollment.RetryCount++
	enrollment.Reschedule(now.Add(backoffDelay(enrollment.RetryCount)))
	enrollment.UpdatedAt = now
	slog.Debug("Engine rescheduling blocked enrollment", "enrollmentID", enrollment.ID, "reason", decision.Reason, "retry", enrollment.RetryCount, "next", enrollment.EarliestFireTime)
	return e.store.SaveEnrollment(*enrollment)
}

// dispatch admits the send through the gate, renders the body, marks
// the enrollment in flight and hands the message to the channel
// service. A failed handoff reverts the in-flight state and retries.
func (e *Engine) dispatch(ctx context.Context, def *models.WorkflowDefinition, step *models.StepDefinition, lead *models.Lead, enrollment *models.LeadEnrollment, now time.Time) error {
	gateResult, err := e.gate.Admit(def, now)
	if err != nil {
		return fmt.Errorf("gate failed: %w", err)
	}
	if !gateResult.Admitted {
		enrollment.Reschedule(gateResult.RetryAt)
		enrollment.UpdatedAt = now
		slog.Debug("Engine send deferred by gate", "enrollmentID", enrollment.ID, "reason", gateResult.Reason, "retry_at", gateResult.RetryAt)
		return e.store.SaveEnrollment(*enrollment)
	}

	svc, ok := e.senders[step.Channel]
	if !ok {
		return e.quarantine(ctx, enrollment, now, fmt.Sprintf("no sender for channel %s", step.Channel))
	}
	address, ok := lead.Address(step.Channel)
	if !ok {
		return e.deliveryFailure(ctx, def, step, enrollment, now, fmt.Errorf("lead %s has no %s address", lead.ID, step.Channel))
	}

	templateName := e.pickTemplate(def.WorkflowID, step)
	body, err := e.renderer.Render(ctx, templateName, *step, lead)
	if err != nil {
		return e.deliveryFailure(ctx, def, step, enrollment, now, fmt.Errorf("render failed: %w", err))
	}

	// The in-flight transition is persisted before the transport call:
	// channel services emit their sent receipt synchronously, and receipt
	// matching must find the enrollment already in flight.
	priorRecord, hadRecord := enrollment.History[step.StepID]
	priorRetry := enrollment.RetryCount
	enrollment.Record(models.StepRecord{
		StepID:     step.StepID,
		FiredAt:    now,
		Outcome:    models.StepOutcomeSent,
		RetryCount: enrollment.RetryCount,
	})
	enrollment.Status = models.EnrollmentStatusInFlight
	enrollment.InFlightDeadline = now.Add(def.DispatchTimeout())
	enrollment.RetryCount = 0
	enrollment.UpdatedAt = now
	if err := e.store.SaveEnrollment(*enrollment); err != nil {
		return fmt.Errorf("failed to save in-flight enrollment: %w", err)
	}

	dedupKey := enrollment.ID + ":" + step.StepID
	if err := svc.SendMessage(ctx, address, body, dedupKey); err != nil {
		if hadRecord {
			enrollment.Record(priorRecord)
		} else {
			delete(enrollment.History, step.StepID)
		}
		enrollment.Status = models.EnrollmentStatusPending
		enrollment.InFlightDeadline = time.Time{}
		enrollment.RetryCount = priorRetry
		return e.deliveryFailure(ctx, def, step, enrollment, now, fmt.Errorf("send failed: %w", err))
	}

	if _, err := e.tracker.Record(models.TrackedEvent{
		EnrollmentID: enrollment.ID,
		WorkflowID:   enrollment.WorkflowID,
		StepID:       step.StepID,
		Kind:         models.EventSent,
		Channel:      step.Channel,
		Template:     templateName,
		Timestamp:    now,
	}); err != nil {
		slog.Error("Engine failed to record sent event", "error", err, "enrollmentID", enrollment.ID)
	}

	if e.metrics != nil {
		e.metrics.TriggerFired(ctx)
	}
	slog.Info("Engine dispatched step", "enrollmentID", enrollment.ID, "stepID", step.StepID, "channel", step.Channel, "template", templateName)
	return nil
}

// deliveryFailure handles a failed dispatch attempt: retry with backoff
// or exit the enrollment when retries are exhausted.
func (e *Engine) deliveryFailure(ctx context.Context, def *models.WorkflowDefinition, step *models.StepDefinition, enrollment *models.LeadEnrollment, now time.Time, cause error) error {
	slog.Error("Engine delivery failure", "error", cause, "enrollmentID", enrollment.ID, "stepID", step.StepID, "retry", enrollment.RetryCount)
	e.reportError(ctx)

	if enrollment.RetryCount >= def.MaxRetries() {
		if _, err := e.tracker.Record(models.TrackedEvent{
			EnrollmentID: enrollment.ID,
			WorkflowID:   enrollment.WorkflowID,
			StepID:       step.StepID,
			Kind:         models.EventFailed,
			Channel:      step.Channel,
			Timestamp:    now,
			Payload:      map[string]string{"error": cause.Error()},
		}); err != nil {
			slog.Error("Engine failed to record failed event", "error", err, "enrollmentID", enrollment.ID)
		}
		enrollment.Record(models.StepRecord{
			StepID:     step.StepID,
			FiredAt:    now,
			Outcome:    models.StepOutcomeFailed,
			RetryCount: enrollment.RetryCount,
		})
		return e.exit(enrollment, now, models.ExitReasonFailed)
	}

	enrollment.RetryCount++
	enrollment.Reschedule(now.Add(backoffDelay(enrollment.RetryCount)))
	enrollment.UpdatedAt = now
	return e.store.SaveEnrollment(*enrollment)
}

// sweepInFlight times out in-flight sends whose delivery receipt never
// arrived, routing them through the delivery failure path.
func (e *Engine) sweepInFlight(ctx context.Context, now time.Time) error {
	inflight, err := e.store.ListEnrollmentsByStatus(models.EnrollmentStatusInFlight)
	if err != nil {
		return fmt.Errorf("failed to list in-flight enrollments: %w", err)
	}

	for _, snapshot := range inflight {
		if snapshot.InFlightDeadline.IsZero() || snapshot.InFlightDeadline.After(now) {
			continue
		}

		lock := e.lockFor(snapshot.ID)
		lock.Lock()
		enrollment, err := e.store.GetEnrollment(snapshot.ID)
		if err != nil || enrollment == nil || enrollment.Status != models.EnrollmentStatusInFlight {
			lock.Unlock()
			continue
		}
		def := e.registry.Get(enrollment.WorkflowID, enrollment.WorkflowVersion)
		step := (*models.StepDefinition)(nil)
		if def != nil {
			step, _ = def.Step(enrollment.CurrentStep)
		}
		if def == nil || step == nil {
			err = e.quarantine(ctx, enrollment, now, "definition missing during in-flight sweep")
		} else {
			enrollment.Status = models.EnrollmentStatusPending
			enrollment.InFlightDeadline = time.Time{}
			err = e.deliveryFailure(ctx, def, step, enrollment, now, fmt.Errorf("delivery acknowledgment timed out"))
		}
		if err != nil {
			slog.Error("Engine in-flight timeout handling failed", "error", err, "enrollmentID", snapshot.ID)
		}
		lock.Unlock()
	}
	return nil
}

// HandleReceipt consumes a delivery receipt from a channel service. A
// sent or delivered acknowledgment for the oldest matching in-flight
// enrollment advances it to its next step, or completes it when the
// fired step was the last one.
func (e *Engine) HandleReceipt(ctx context.Context, receipt models.Receipt) {
	if receipt.Status == models.MessageStatusFailed {
		// Failed provider callbacks surface through the in-flight sweep.
		slog.Debug("Engine ignoring failed-status receipt", "to", receipt.To, "channel", receipt.Channel)
		return
	}

	lead, err := e.store.GetLeadByAddress(receipt.Channel, receipt.To)
	if err != nil || lead == nil {
		slog.Warn("Engine receipt for unknown address", "to", receipt.To, "channel", receipt.Channel, "error", err)
		return
	}

	enrollment := e.oldestInFlight(lead.ID, receipt.Channel)
	if enrollment == nil {
		slog.Debug("Engine receipt with no in-flight enrollment", "leadID", lead.ID, "channel", receipt.Channel)
		return
	}

	lock := e.lockFor(enrollment.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := e.store.GetEnrollment(enrollment.ID)
	if err != nil || fresh == nil || fresh.Status != models.EnrollmentStatusInFlight {
		return
	}
	now := e.clock().UTC()

	if receipt.Status == models.MessageStatusDelivered {
		if _, err := e.tracker.Record(models.TrackedEvent{
			EnrollmentID: fresh.ID,
			WorkflowID:   fresh.WorkflowID,
			StepID:       fresh.CurrentStep,
			Kind:         models.EventDelivered,
			Channel:      receipt.Channel,
			Timestamp:    time.Unix(receipt.Time, 0).UTC(),
		}); err != nil {
			slog.Error("Engine failed to record delivered event", "error", err, "enrollmentID", fresh.ID)
		}
	}

	if err := e.advance(fresh, now); err != nil {
		slog.Error("Engine failed to advance enrollment", "error", err, "enrollmentID", fresh.ID)
		e.reportError(ctx)
	}
}

// advance acks the current step and schedules the next one, or completes
// the enrollment when no step remains.
func (e *Engine) advance(enrollment *models.LeadEnrollment, now time.Time) error {
	def := e.registry.Get(enrollment.WorkflowID, enrollment.WorkflowVersion)
	if def == nil {
		return fmt.Errorf("workflow %s@%s not registered", enrollment.WorkflowID, enrollment.WorkflowVersion)
	}

	if record, ok := enrollment.History[enrollment.CurrentStep]; ok {
		record.Outcome = models.StepOutcomeAcked
		enrollment.Record(record)
	}

	next := nextStep(def, enrollment.CurrentStep)
	enrollment.InFlightDeadline = time.Time{}
	enrollment.UpdatedAt = now

	if next == nil {
		enrollment.Status = models.EnrollmentStatusCompleted
		slog.Info("Engine enrollment completed", "enrollmentID", enrollment.ID, "workflowID", enrollment.WorkflowID)
		return e.store.SaveEnrollment(*enrollment)
	}

	fired := now
	if record, ok := enrollment.History[enrollment.CurrentStep]; ok {
		fired = record.FiredAt
	}
	enrollment.Status = models.EnrollmentStatusPending
	enrollment.CurrentStep = next.StepID
	enrollment.RetryCount = 0
	target := e.applyTimingOffset(def.WorkflowID, next.StepID, fired.Add(next.Delay()))
	if target.Before(now) {
		target = now
	}
	enrollment.Reschedule(target)
	slog.Debug("Engine advanced enrollment", "enrollmentID", enrollment.ID, "next_step", next.StepID, "fire_time", enrollment.EarliestFireTime)
	return e.store.SaveEnrollment(*enrollment)
}

// HandleResponse consumes an inbound lead response. The response is
// recorded against the lead's most recent contacted enrollment; when the
// workflow's success criteria are met the enrollment exits successfully.
func (e *Engine) HandleResponse(ctx context.Context, response models.Response) {
	lead, err := e.store.GetLeadByAddress(response.Channel, response.From)
	if err != nil || lead == nil {
		slog.Warn("Engine response from unknown address", "from", response.From, "channel", response.Channel, "error", err)
		return
	}

	enrollment := e.latestContacted(lead.ID)
	if enrollment == nil {
		slog.Debug("Engine response with no contacted enrollment", "leadID", lead.ID)
		return
	}

	lock := e.lockFor(enrollment.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := e.store.GetEnrollment(enrollment.ID)
	if err != nil || fresh == nil || fresh.Status.IsTerminal() {
		return
	}
	now := e.clock().UTC()

	if _, err := e.tracker.Record(models.TrackedEvent{
		EnrollmentID: fresh.ID,
		WorkflowID:   fresh.WorkflowID,
		StepID:       lastFiredStep(fresh),
		Kind:         models.EventResponded,
		Channel:      response.Channel,
		Timestamp:    time.Unix(response.Time, 0).UTC(),
		Payload:      map[string]string{"body": response.Body},
	}); err != nil {
		slog.Error("Engine failed to record response", "error", err, "enrollmentID", fresh.ID)
		e.reportError(ctx)
		return
	}

	def := e.registry.Get(fresh.WorkflowID, fresh.WorkflowVersion)
	if def == nil {
		return
	}
	success, err := e.tracker.MeetsSuccessCriteria(def, models.EventResponded)
	if err != nil {
		slog.Error("Engine success criteria evaluation failed", "error", err, "enrollmentID", fresh.ID)
		return
	}
	if success {
		if err := e.exit(fresh, now, models.ExitReasonSuccess); err != nil {
			slog.Error("Engine failed to exit successful enrollment", "error", err, "enrollmentID", fresh.ID)
		}
		return
	}
	// Not a success exit; no_response branches pick the reply up on the
	// next evaluation of the enrollment.
	slog.Debug("Engine recorded response without exit", "enrollmentID", fresh.ID)
}

// StopEnrollment requests an enrollment stop. In-flight sends finish;
// no further step fires.
func (e *Engine) StopEnrollment(enrollmentID string) error {
	return e.setFlags(enrollmentID, func(en *models.LeadEnrollment) { en.StopRequested = true })
}

// PauseEnrollment pauses or resumes scheduling for an enrollment.
func (e *Engine) PauseEnrollment(enrollmentID string, paused bool) error {
	return e.setFlags(enrollmentID, func(en *models.LeadEnrollment) { en.Paused = paused })
}

func (e *Engine) setFlags(enrollmentID string, mutate func(*models.LeadEnrollment)) error {
	lock := e.lockFor(enrollmentID)
	lock.Lock()
	defer lock.Unlock()

	enrollment, err := e.store.GetEnrollment(enrollmentID)
	if err != nil {
		return fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment == nil {
		return fmt.Errorf("enrollment %s not found", enrollmentID)
	}
	if enrollment.Status.IsTerminal() {
		return fmt.Errorf("enrollment %s is already terminal", enrollmentID)
	}
	mutate(enrollment)
	enrollment.UpdatedAt = e.clock().UTC()
	return e.store.SaveEnrollment(*enrollment)
}

// exit moves an enrollment to the exited state with the given reason.
func (e *Engine) exit(enrollment *models.LeadEnrollment, now time.Time, reason models.ExitReason) error {
	enrollment.Status = models.EnrollmentStatusExited
	enrollment.ExitReason = reason
	enrollment.InFlightDeadline = time.Time{}
	enrollment.UpdatedAt = now
	return e.store.SaveEnrollment(*enrollment)
}

// quarantine excludes a corrupt enrollment from scheduling without
// touching healthy ones.
func (e *Engine) quarantine(ctx context.Context, enrollment *models.LeadEnrollment, now time.Time, detail string) error {
	slog.Error("Engine quarantining enrollment", "enrollmentID", enrollment.ID, "detail", detail)
	e.reportError(ctx)
	return e.exit(enrollment, now, models.ExitReasonQuarantined)
}

// pickTemplate chooses among the step's template variants by strategy
// weight. The highest weight wins; ties keep the definition order, so a
// fresh workflow with uniform weights sends the primary template.
func (e *Engine) pickTemplate(workflowID string, step *models.StepDefinition) string {
	candidates := append([]string{step.Template}, step.TemplateVariants...)
	if len(candidates) == 1 || e.strategy == nil {
		return step.Template
	}
	params := e.strategy.Get(workflowID)
	if params == nil {
		return step.Template
	}

	best := candidates[0]
	bestWeight := weightOf(params, best)
	for _, name := range candidates[1:] {
		if w := weightOf(params, name); w > bestWeight {
			best, bestWeight = name, w
		}
	}
	return best
}

func weightOf(params *models.StrategyParameters, tmplName string) float64 {
	if w, ok := params.TemplateWeights[tmplName]; ok {
		return w
	}
	return 1.0
}

// applyTimingOffset shifts a scheduled fire time by the strategy's
// per-step offset, if any.
func (e *Engine) applyTimingOffset(workflowID, stepID string, t time.Time) time.Time {
	if e.strategy == nil {
		return t
	}
	params := e.strategy.Get(workflowID)
	if params == nil {
		return t
	}
	if offset, ok := params.TimingOffsets[stepID]; ok {
		return t.Add(offset)
	}
	return t
}

// oldestInFlight returns the lead's oldest in-flight enrollment whose
// current step sends on the given channel.
func (e *Engine) oldestInFlight(leadID string, channel models.Channel) *models.LeadEnrollment {
	enrollments, err := e.store.ListEnrollmentsByLead(leadID)
	if err != nil {
		slog.Error("Engine failed to list enrollments by lead", "error", err, "leadID", leadID)
		return nil
	}
	var oldest *models.LeadEnrollment
	for i := range enrollments {
		en := enrollments[i]
		if en.Status != models.EnrollmentStatusInFlight {
			continue
		}
		def := e.registry.Get(en.WorkflowID, en.WorkflowVersion)
		if def == nil {
			continue
		}
		step, _ := def.Step(en.CurrentStep)
		if step == nil || step.Channel != channel {
			continue
		}
		if oldest == nil || en.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = &en
		}
	}
	return oldest
}

// lastFiredStep returns the step the enrollment most recently fired.
// Receipts move CurrentStep to the next unfired step, so a reply must
// attribute to the history record, not the pointer. Falls back to
// CurrentStep when nothing has fired yet.
func lastFiredStep(enrollment *models.LeadEnrollment) string {
	stepID := enrollment.CurrentStep
	var latest time.Time
	for id, rec := range enrollment.History {
		if !rec.FiredAt.IsZero() && rec.FiredAt.After(latest) {
			latest = rec.FiredAt
			stepID = id
		}
	}
	return stepID
}

// latestContacted returns the lead's most recently updated non-terminal
// enrollment that has fired at least one step.
func (e *Engine) latestContacted(leadID string) *models.LeadEnrollment {
	enrollments, err := e.store.ListEnrollmentsByLead(leadID)
	if err != nil {
		slog.Error("Engine failed to list enrollments by lead", "error", err, "leadID", leadID)
		return nil
	}
	var latest *models.LeadEnrollment
	for i := range enrollments {
		en := enrollments[i]
		if en.Status.IsTerminal() || len(en.History) == 0 {
			continue
		}
		if latest == nil || en.UpdatedAt.After(latest.UpdatedAt) {
			latest = &en
		}
	}
	return latest
}

func (e *Engine) reportError(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.AgentError(ctx)
	}
}

// nextStep returns the step after stepID in definition order, or nil
// when stepID is the last step.
func nextStep(def *models.WorkflowDefinition, stepID string) *models.StepDefinition {
	_, i := def.Step(stepID)
	if i < 0 || i+1 >= len(def.Steps) {
		return nil
	}
	return &def.Steps[i+1]
}

// backoffDelay returns the exponential retry delay for the given attempt
// number, capped at maxBackoff.
func backoffDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 10 {
		return maxBackoff
	}
	d := time.Minute << uint(retry-1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
