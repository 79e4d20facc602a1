package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"browser-task-orchestrator/internal/agent"
	"browser-task-orchestrator/internal/broadcast"
	"browser-task-orchestrator/internal/browser"
	"browser-task-orchestrator/internal/orchestrator/events"
	"browser-task-orchestrator/internal/task"
)

// ErrForbidden is returned when a caller addresses a task it does not own.
var ErrForbidden = errors.New("task belongs to another owner")

const (
	DefaultMaxConcurrent = 10
	DefaultGlobalTimeout = 3 * time.Minute
	DefaultGracePeriod   = 5 * time.Second

	teardownTimeout = 10 * time.Second
	relayTimeout    = 10 * time.Second
	sweepInterval   = time.Minute
)

// Config tunes the orchestration core. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent int
	GlobalTimeout time.Duration
	GracePeriod   time.Duration
	ActionTimeout time.Duration
	MaxRetries    int
}

func DefaultOrchestratorConfig() Config {
	return Config{
		MaxConcurrent: DefaultMaxConcurrent,
		GlobalTimeout: DefaultGlobalTimeout,
		GracePeriod:   DefaultGracePeriod,
		ActionTimeout: agent.DefaultActionTimeout,
		MaxRetries:    task.DefaultMaxRetries,
	}
}

type runningTask struct {
	task         *task.Task
	machine      *task.Machine
	cancel       context.CancelFunc
	done         chan struct{}
	session      *browser.Session
	cancelReason string
}

// Orchestrator owns the task lifecycle: admission, session provisioning,
// executor supervision, persistence, event fan-out and teardown.
type Orchestrator struct {
	cfg         Config
	store       Store
	provider    browser.Provider
	driver      browser.Driver
	decider     agent.Decider
	broadcaster *broadcast.Broadcaster
	producer    *kafkago.Writer
	scheduler   gocron.Scheduler

	appCtx context.Context
	stop   context.CancelFunc

	mu      sync.Mutex
	pending []*runningTask
	running map[string]*runningTask
	wg      sync.WaitGroup
}

// New builds an orchestrator. producer may be nil when no Kafka relay is
// configured.
func New(ctx context.Context, cfg Config, store Store, provider browser.Provider, driver browser.Driver, decider agent.Decider, broadcaster *broadcast.Broadcaster, producer *kafkago.Writer) (*Orchestrator, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = DefaultGlobalTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	appCtx, stop := context.WithCancel(ctx)
	o := &Orchestrator{
		cfg:         cfg,
		store:       store,
		provider:    provider,
		driver:      driver,
		decider:     decider,
		broadcaster: broadcaster,
		producer:    producer,
		scheduler:   scheduler,
		appCtx:      appCtx,
		stop:        stop,
		running:     make(map[string]*runningTask),
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(o.sweepSessions),
		gocron.WithName("session_sweep"),
	); err != nil {
		return nil, fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	scheduler.Start()
	return o, nil
}

// Submit validates and persists a new task, then admits it when a slot is
// free. Admission is strictly FIFO.
func (o *Orchestrator) Submit(ctx context.Context, ownerID, prompt string) (*task.Task, error) {
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	t := &task.Task{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Prompt:     prompt,
		Status:     task.StatusPending,
		MaxRetries: o.cfg.MaxRetries,
	}
	if o.cfg.MaxRetries <= 0 {
		t.MaxRetries = task.DefaultMaxRetries
	}
	if err := o.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	o.broadcaster.PublishStatus(t.ID, task.StatusPending, "")
	log.Printf("Task %s submitted by owner %s", t.ID, ownerID)

	o.enqueue(t)
	return t, nil
}

func (o *Orchestrator) enqueue(t *task.Task) {
	rt := &runningTask{
		task:    t,
		machine: task.NewMachine(task.StatusPending),
		done:    make(chan struct{}),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, rt)
	o.admitLocked()
}

// admitLocked moves queued tasks into the running set while capacity allows.
// Caller holds o.mu.
func (o *Orchestrator) admitLocked() {
	for len(o.running) < o.cfg.MaxConcurrent && len(o.pending) > 0 {
		rt := o.pending[0]
		o.pending = o.pending[1:]
		runCtx, cancel := context.WithCancel(o.appCtx)
		rt.cancel = cancel
		o.running[rt.task.ID] = rt
		o.wg.Add(1)
		go o.runTask(runCtx, rt)
	}
}

func (o *Orchestrator) runTask(ctx context.Context, rt *runningTask) {
	defer o.wg.Done()
	defer close(rt.done)
	t := rt.task

	session, err := o.provider.CreateSession(ctx)
	if err != nil {
		log.Printf("Task %s: session creation failed: %v", t.ID, err)
		o.failBeforeStart(ctx, rt, fmt.Sprintf("session creation failed: %v", err))
		return
	}
	rt.session = session
	liveView := session.LiveViewURL
	if liveView == "" {
		if url, lvErr := o.provider.LiveViewURL(ctx, session.ID); lvErr == nil {
			liveView = url
		} else {
			log.Printf("Task %s: live view lookup failed: %v", t.ID, lvErr)
		}
	}

	if err := rt.machine.Start(); err != nil {
		log.Printf("Task %s: cannot start: %v", t.ID, err)
		o.finalize(ctx, rt, nil, nil)
		return
	}
	now := time.Now()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	t.CurrentSessionID = session.ID
	t.LiveViewURL = liveView
	if err := o.store.UpdateTask(ctx, t); err != nil {
		log.Printf("Task %s: failed to persist RUNNING: %v", t.ID, err)
	}
	o.broadcaster.PublishStatus(t.ID, task.StatusRunning, "")
	o.scheduleTimeout(rt)

	page, err := o.driver.Connect(ctx, session)
	if err != nil {
		log.Printf("Task %s: browser connect failed: %v", t.ID, err)
		if ferr := rt.machine.Fail(); ferr != nil {
			log.Printf("Task %s: %v", t.ID, ferr)
		}
		t.FailureReason = fmt.Sprintf("browser connect failed: %v", err)
		o.finalize(ctx, rt, nil, nil)
		return
	}

	sink := func(step task.Step) {
		if err := o.store.AppendStep(context.Background(), step); err != nil {
			log.Printf("Task %s: failed to persist step %d: %v", t.ID, step.Sequence, err)
		}
		o.broadcaster.PublishStep(t.ID, step)
	}
	exec := agent.NewExecutor(t.ID, t.Prompt, rt.machine, page, o.decider, agent.Config{
		ActionTimeout: o.cfg.ActionTimeout,
		MaxRetries:    t.MaxRetries,
	}, sink)

	watchDone := make(chan struct{})
	go o.watchStatus(ctx, rt, watchDone)

	exec.Run(ctx)
	<-watchDone
	o.finalize(ctx, rt, exec, page)
}

// watchStatus persists and publishes non-terminal status transitions made by
// the executor or the control API while the task runs. Terminal transitions
// are handled by finalize after a durable write.
func (o *Orchestrator) watchStatus(ctx context.Context, rt *runningTask, done chan struct{}) {
	defer close(done)
	last := rt.machine.Status()
	for {
		changed := rt.machine.Changed()
		status := rt.machine.Status()
		if status != last {
			last = status
			if status.Terminal() {
				return
			}
			snapshot := *rt.task
			snapshot.Status = status
			if err := o.store.UpdateTask(context.Background(), &snapshot); err != nil {
				log.Printf("Task %s: failed to persist %s: %v", rt.task.ID, status, err)
			}
			o.broadcaster.PublishStatus(rt.task.ID, status, "")
			log.Printf("Task %s is now %s", rt.task.ID, status)
		}
		if status.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

// failBeforeStart records a failure that happened before the executor ran,
// such as session provisioning.
func (o *Orchestrator) failBeforeStart(ctx context.Context, rt *runningTask, reason string) {
	if err := rt.machine.Start(); err == nil {
		if err := rt.machine.Fail(); err != nil {
			log.Printf("Task %s: %v", rt.task.ID, err)
		}
	}
	rt.task.FailureReason = reason
	o.finalize(ctx, rt, nil, nil)
}

// finalize is the single exit path of runTask. It makes the terminal state
// durable before any observer can see it, relays it to Kafka, tears the
// session down and admits the next queued task.
func (o *Orchestrator) finalize(ctx context.Context, rt *runningTask, exec *agent.Executor, page browser.Page) {
	t := rt.task
	status := rt.machine.Status()

	o.mu.Lock()
	reason := rt.cancelReason
	o.mu.Unlock()

	t.Status = status
	if exec != nil {
		t.RetryCount = exec.Retries()
	}
	if status.Terminal() {
		now := time.Now()
		t.CompletedAt = &now
		if exec != nil {
			t.Result = exec.Result()
			if t.FailureReason == "" {
				t.FailureReason = exec.FailureReason()
			}
		}
		if reason != "" {
			t.FailureReason = reason
		}
		t.CurrentSessionID = ""
		t.LiveViewURL = ""
	}
	persistCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := o.store.UpdateTask(persistCtx, t); err != nil {
		log.Printf("Task %s: failed to persist final state %s: %v", t.ID, status, err)
	}
	if status.Terminal() {
		o.broadcaster.PublishStatus(t.ID, status, t.FailureReason)
		o.relayTerminal(t)
	}

	if page != nil {
		if err := page.Close(persistCtx); err != nil {
			log.Printf("Task %s: page close: %v", t.ID, err)
		}
	}
	if rt.session != nil {
		o.teardownSession(t.ID, rt.session.ID)
	}
	log.Printf("Task %s finished with status %s", t.ID, status)

	o.scheduler.RemoveByTags(timeoutTag(t.ID))
	o.broadcaster.Release(t.ID)

	o.mu.Lock()
	delete(o.running, t.ID)
	o.admitLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) teardownSession(taskID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := o.provider.TerminateSession(ctx, sessionID); err != nil {
		log.Printf("Task %s: failed to terminate session %s: %v", taskID, sessionID, err)
	}
}

func (o *Orchestrator) relayTerminal(t *task.Task) {
	if o.producer == nil {
		return
	}
	payload := events.TaskTerminalPayload{
		TaskID:        t.ID,
		OwnerID:       t.OwnerID,
		Status:        string(t.Status),
		Result:        t.Result,
		FailureReason: t.FailureReason,
	}
	if t.CompletedAt != nil {
		payload.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	value, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Task %s: failed to marshal terminal payload: %v", t.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	msg := kafkago.Message{Key: []byte(t.ID), Value: value}
	if err := o.producer.WriteMessages(ctx, msg); err != nil {
		log.Printf("Task %s: failed to relay terminal status to Kafka: %v", t.ID, err)
		return
	}
	log.Printf("Task %s terminal status %s relayed to Kafka", t.ID, t.Status)
}

func timeoutTag(taskID string) string { return "task_id:" + taskID }

// scheduleTimeout arms the wall-clock bound on total task runtime.
func (o *Orchestrator) scheduleTimeout(rt *runningTask) {
	taskID := rt.task.ID
	_, err := o.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(o.cfg.GlobalTimeout))),
		gocron.NewTask(func() { o.expireTask(taskID) }),
		gocron.WithName("timeout_"+taskID),
		gocron.WithTags("task_timeout", timeoutTag(taskID)),
	)
	if err != nil {
		log.Printf("Task %s: failed to schedule timeout job: %v", taskID, err)
	}
}

func (o *Orchestrator) expireTask(taskID string) {
	o.mu.Lock()
	rt, ok := o.running[taskID]
	if ok {
		rt.cancelReason = "global timeout exceeded"
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("Task %s exceeded global timeout, cancelling", taskID)
	if err := rt.machine.Cancel(); err != nil {
		return
	}
	o.armWatchdog(rt)
}

// armWatchdog force-releases the session if the executor does not wind down
// within the grace period after a cancellation.
func (o *Orchestrator) armWatchdog(rt *runningTask) {
	go func() {
		select {
		case <-rt.done:
		case <-time.After(o.cfg.GracePeriod):
			log.Printf("Task %s: grace period elapsed, forcing teardown", rt.task.ID)
			if rt.cancel != nil {
				rt.cancel()
			}
			if rt.session != nil {
				o.teardownSession(rt.task.ID, rt.session.ID)
			}
		}
	}()
}

// lookup authorizes ownerID against the stored task.
func (o *Orchestrator) lookup(ctx context.Context, ownerID, taskID string) (*task.Task, error) {
	t, err := o.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrForbidden)
	}
	return t, nil
}

// GetTask returns the current record of an owned task.
func (o *Orchestrator) GetTask(ctx context.Context, ownerID, taskID string) (*task.Task, error) {
	return o.lookup(ctx, ownerID, taskID)
}

// ListTasks returns every task owned by ownerID, newest first.
func (o *Orchestrator) ListTasks(ctx context.Context, ownerID string) ([]*task.Task, error) {
	return o.store.ListTasksByOwner(ctx, ownerID)
}

// Steps returns the persisted step log of an owned task in sequence order.
func (o *Orchestrator) Steps(ctx context.Context, ownerID, taskID string) ([]task.Step, error) {
	if _, err := o.lookup(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	return o.store.ListSteps(ctx, taskID)
}

// Pause requests a pause. The executor honors it at the next step boundary,
// so an in-flight action always completes first.
func (o *Orchestrator) Pause(ctx context.Context, ownerID, taskID string) error {
	if _, err := o.lookup(ctx, ownerID, taskID); err != nil {
		return err
	}
	o.mu.Lock()
	rt, ok := o.running[taskID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("pause task %s: %w", taskID, task.ErrInvalidTransition)
	}
	return rt.machine.RequestPause()
}

// Resume restarts decision making after a pause or a human intervention.
func (o *Orchestrator) Resume(ctx context.Context, ownerID, taskID string) error {
	if _, err := o.lookup(ctx, ownerID, taskID); err != nil {
		return err
	}
	o.mu.Lock()
	rt, ok := o.running[taskID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("resume task %s: %w", taskID, task.ErrInvalidTransition)
	}
	return rt.machine.Resume()
}

// Cancel moves an owned task to CANCELLED from any non-terminal state.
// Queued tasks are removed from the queue; running tasks wind down after
// their in-flight action, with a watchdog forcing teardown past the grace
// period.
func (o *Orchestrator) Cancel(ctx context.Context, ownerID, taskID string) error {
	t, err := o.lookup(ctx, ownerID, taskID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if rt, ok := o.running[taskID]; ok {
		rt.cancelReason = "cancelled by owner"
		o.mu.Unlock()
		if err := rt.machine.Cancel(); err != nil {
			return err
		}
		o.armWatchdog(rt)
		return nil
	}
	for i, rt := range o.pending {
		if rt.task.ID == taskID {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			o.mu.Unlock()
			if err := rt.machine.Cancel(); err != nil {
				return err
			}
			now := time.Now()
			t.Status = task.StatusCancelled
			t.CompletedAt = &now
			t.FailureReason = "cancelled by owner"
			if err := o.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			o.broadcaster.PublishStatus(taskID, task.StatusCancelled, t.FailureReason)
			close(rt.done)
			return nil
		}
	}
	o.mu.Unlock()
	return fmt.Errorf("cancel task %s: %w", taskID, task.ErrInvalidTransition)
}

// Recover reconciles persisted state after a restart. Tasks that were mid
// flight are failed, since their sessions and in-memory state are gone, and
// queued tasks are re-admitted.
func (o *Orchestrator) Recover(ctx context.Context) error {
	active, err := o.store.ListTasksByStatus(ctx, task.StatusRunning, task.StatusPaused, task.StatusInterventionNeeded)
	if err != nil {
		return fmt.Errorf("recover active tasks: %w", err)
	}
	for _, t := range active {
		sessionID := t.CurrentSessionID
		now := time.Now()
		t.Status = task.StatusFailed
		t.CompletedAt = &now
		t.FailureReason = "orchestrator restarted while task was in flight"
		t.CurrentSessionID = ""
		t.LiveViewURL = ""
		if err := o.store.UpdateTask(ctx, t); err != nil {
			log.Printf("Recovery: failed to mark task %s FAILED: %v", t.ID, err)
			continue
		}
		o.relayTerminal(t)
		if sessionID != "" {
			o.teardownSession(t.ID, sessionID)
		}
		log.Printf("Recovery: task %s marked FAILED", t.ID)
	}

	queued, err := o.store.ListTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}
	for _, t := range queued {
		o.enqueue(t)
		log.Printf("Recovery: task %s re-queued", t.ID)
	}
	log.Printf("Recovery complete: %d failed, %d re-queued", len(active), len(queued))
	return nil
}

// sweepSessions runs periodically with two duties: cancel supervised tasks
// whose browser session passed its provider-side expiry, and fail tasks the
// store believes are active but that the orchestrator is not supervising.
// The latter covers partial crashes and records corrupted outside the normal
// lifecycle.
func (o *Orchestrator) sweepSessions() {
	ctx, cancel := context.WithTimeout(o.appCtx, teardownTimeout)
	defer cancel()

	now := time.Now()
	var expired []*runningTask
	o.mu.Lock()
	for _, rt := range o.running {
		if rt.session != nil && !rt.session.ExpiresAt.IsZero() && rt.session.ExpiresAt.Before(now) {
			rt.cancelReason = "browser session expired"
			expired = append(expired, rt)
		}
	}
	o.mu.Unlock()
	for _, rt := range expired {
		if err := rt.machine.Cancel(); err != nil {
			continue
		}
		log.Printf("Session sweep: task %s cancelled, session %s expired", rt.task.ID, rt.session.ID)
		o.armWatchdog(rt)
	}

	active, err := o.store.ListTasksByStatus(ctx, task.StatusRunning, task.StatusPaused, task.StatusInterventionNeeded)
	if err != nil {
		log.Printf("Session sweep: %v", err)
		return
	}
	for _, t := range active {
		o.mu.Lock()
		_, supervised := o.running[t.ID]
		o.mu.Unlock()
		if supervised {
			continue
		}
		sessionID := t.CurrentSessionID
		now := time.Now()
		t.Status = task.StatusFailed
		t.CompletedAt = &now
		t.FailureReason = "task lost its supervisor"
		t.CurrentSessionID = ""
		t.LiveViewURL = ""
		if err := o.store.UpdateTask(ctx, t); err != nil {
			log.Printf("Session sweep: failed to mark task %s FAILED: %v", t.ID, err)
			continue
		}
		o.broadcaster.PublishStatus(t.ID, task.StatusFailed, t.FailureReason)
		o.relayTerminal(t)
		if sessionID != "" {
			o.teardownSession(t.ID, sessionID)
		}
		log.Printf("Session sweep: task %s marked FAILED", t.ID)
	}
}

// Shutdown cancels all running tasks and waits for them to wind down.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	log.Println("Orchestrator shutting down...")
	o.mu.Lock()
	for _, rt := range o.running {
		if err := rt.machine.Cancel(); err == nil {
			rt.cancelReason = "orchestrator shutdown"
		}
	}
	o.pending = nil
	o.mu.Unlock()
	o.stop()

	doneCh := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := o.scheduler.Shutdown(); err != nil {
		log.Printf("Error shutting down gocron scheduler: %v", err)
	}
	log.Println("Orchestrator shut down.")
	return nil
}
