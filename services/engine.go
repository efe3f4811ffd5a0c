package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tubedrop/config"
	"tubedrop/media"
	"tubedrop/store"
	"tubedrop/types"
)

// errPhaseTimeout marks an unresponsive external tool; it takes the same
// path as an explicit cancellation so a stalled task cannot hold a
// concurrency slot forever
var errPhaseTimeout = errors.New("phase timed out")

// requeueInterval is how often the dispatcher sweeps the store for queued
// tasks that did not fit into the submission channel
const requeueInterval = time.Second

// Engine drives download tasks from submission to terminal state
type Engine interface {
	Start()
	Submit(url, formatID string) (*types.Task, error)
	SubmitWithID(id, url, formatID string) (*types.Task, error)
	Status(id string) (*types.Task, error)
	Subscribe(id string) (<-chan *types.Task, func(), error)
	Cancel(id string) error
	Redownload(id string) (*types.Task, error)
	History(limit, offset int) ([]*types.Task, error)
	DeleteHistory(id string, deleteFile bool) error
	Formats(ctx context.Context, url string) (*media.Resolved, error)
}

// engine runs each task's lifecycle on a bounded worker pool. The task store
// is the only state shared across workers; every phase transition is written
// through it before the next phase begins.
type engine struct {
	cfg         *config.Config
	store       *store.TaskStore
	tool        media.Tool
	broadcaster *Broadcaster
	queue       chan string

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	inflight map[string]struct{}
}

// NewEngine creates the lifecycle engine. Start must be called before tasks
// make progress.
func NewEngine(cfg *config.Config, st *store.TaskStore, tool media.Tool, broadcaster *Broadcaster) Engine {
	return &engine{
		cfg:         cfg,
		store:       st,
		tool:        tool,
		broadcaster: broadcaster,
		queue:       make(chan string, 100),
		cancels:     make(map[string]context.CancelFunc),
		inflight:    make(map[string]struct{}),
	}
}

// Start recovers tasks interrupted by a previous crash and launches the
// worker pool.
func (e *engine) Start() {
	if err := os.MkdirAll(e.cfg.Downloads.Dir, 0o755); err != nil {
		log.Error("failed to create download directory", "dir", e.cfg.Downloads.Dir, "err", err)
	}
	for i := 0; i < e.cfg.Downloads.Concurrency; i++ {
		go e.worker()
	}
	go e.dispatch()
	e.recoverInterrupted()
}

// enqueue hands a task id to the workers without ever blocking the caller.
// When the channel is full the task simply stays queued in the store and the
// dispatcher sweep picks it up.
func (e *engine) enqueue(id string) {
	select {
	case e.queue <- id:
	default:
	}
}

// dispatch periodically re-offers queued tasks the channel had no room for
func (e *engine) dispatch() {
	ticker := time.NewTicker(requeueInterval)
	defer ticker.Stop()
	for range ticker.C {
		tasks, err := e.store.List(0, 0)
		if err != nil {
			log.Error("dispatcher failed to scan store", "err", err)
			continue
		}
		for _, task := range tasks {
			if task.Status != types.StatusQueued {
				continue
			}
			e.mu.Lock()
			_, busy := e.inflight[task.ID]
			e.mu.Unlock()
			if !busy {
				e.enqueue(task.ID)
			}
		}
	}
}

// recoverInterrupted re-queues tasks a crash left mid-phase. They are
// detectable precisely because terminal transitions are flushed before being
// acknowledged.
func (e *engine) recoverInterrupted() {
	tasks, err := e.store.List(0, 0)
	if err != nil {
		log.Error("failed to scan store for interrupted tasks", "err", err)
		return
	}
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		if task.Status != types.StatusQueued {
			err := e.store.Update(task.ID, func(t *types.Task) error {
				t.Status = types.StatusQueued
				t.PhaseDetail = ""
				t.Progress = types.Progress{}
				return nil
			})
			if err != nil {
				log.Error("failed to re-queue interrupted task", "task", task.ID, "err", err)
				continue
			}
			log.Info("re-queued interrupted task", "task", task.ID, "was", task.Status)
		}
		e.enqueue(task.ID)
	}
}

// Submit creates a new task with a generated id and queues it.
func (e *engine) Submit(url, formatID string) (*types.Task, error) {
	return e.SubmitWithID(uuid.New().String(), url, formatID)
}

// SubmitWithID creates a task with a caller-supplied id. Resubmitting a
// pending id fails with store.ErrDuplicateTask; submissions are never merged.
func (e *engine) SubmitWithID(id, url, formatID string) (*types.Task, error) {
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	task := &types.Task{
		ID:        id,
		URL:       url,
		FormatID:  formatID,
		Status:    types.StatusQueued,
		CreatedAt: time.Now(),
	}

	// a store write failure is retried a few times before the submission
	// itself is rejected
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = e.store.Create(task)
		if err == nil || errors.Is(err, store.ErrDuplicateTask) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}

	e.broadcaster.Publish(task, true)
	e.enqueue(task.ID)
	log.Info("task submitted", "task", task.ID, "url", url)
	return task.Clone(), nil
}

// Status returns the current snapshot of a task.
func (e *engine) Status(id string) (*types.Task, error) {
	return e.store.Get(id)
}

// Subscribe returns a push channel of task snapshots, closed once the task
// is terminal. The cancel function detaches early.
func (e *engine) Subscribe(id string) (<-chan *types.Task, func(), error) {
	task, err := e.store.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if task.Status.IsTerminal() {
		ch := make(chan *types.Task, 1)
		ch <- task
		close(ch)
		return ch, func() {}, nil
	}
	ch, cancel := e.broadcaster.Subscribe(id)
	return ch, cancel, nil
}

// Cancel transitions a non-terminal task to error{cancelled}. A running
// worker is interrupted; a queued task is finalized directly.
func (e *engine) Cancel(id string) error {
	task, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s", id, task.Status)
	}

	e.mu.Lock()
	cancel, active := e.cancels[id]
	e.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	now := time.Now()
	err = e.store.Update(id, func(t *types.Task) error {
		t.Status = types.StatusError
		t.Error = &types.ErrorDetail{
			Kind:          types.ErrKindCancelled,
			Message:       "cancelled by user",
			LastAttemptAt: &now,
		}
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			// a worker finalized it in the meantime
			return nil
		}
		return err
	}

	// a worker may have claimed the task between the map check and the store
	// write; workers register their cancel func before reading the status, so
	// it is visible here if the read raced past the write
	e.mu.Lock()
	cancel, active = e.cancels[id]
	e.mu.Unlock()
	if active {
		cancel()
	}

	if snap, gerr := e.store.Get(id); gerr == nil {
		e.broadcaster.Publish(snap, true)
	}
	log.Info("queued task cancelled", "task", id)
	return nil
}

// Redownload starts the same url/format over as a brand new task. The
// original record stays untouched as an independent history entry.
func (e *engine) Redownload(id string) (*types.Task, error) {
	task, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return e.Submit(task.URL, task.FormatID)
}

// History lists task records, newest first.
func (e *engine) History(limit, offset int) ([]*types.Task, error) {
	return e.store.List(limit, offset)
}

// DeleteHistory removes a terminal task's record, and its output file only
// when the caller explicitly asks for that.
func (e *engine) DeleteHistory(id string, deleteFile bool) error {
	task, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return fmt.Errorf("task %s is still %s, cancel it first", id, task.Status)
	}
	if deleteFile && task.OutputPath != "" {
		if err := os.Remove(task.OutputPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete output file: %w", err)
		}
	}
	if err := e.store.Delete(id); err != nil {
		return err
	}
	e.broadcaster.Forget(id)
	return nil
}

// Formats resolves the selectable formats for a URL without side effects.
func (e *engine) Formats(ctx context.Context, url string) (*media.Resolved, error) {
	return e.tool.Resolve(ctx, url)
}

// worker consumes queued task ids and drives one lifecycle at a time
func (e *engine) worker() {
	for id := range e.queue {
		e.run(id)
	}
}

func (e *engine) run(id string) {
	// claim the task and register the cancel func before reading the stored
	// status, so a concurrent Cancel either sees a terminal store record or
	// finds this context to interrupt
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if _, busy := e.inflight[id]; busy {
		e.mu.Unlock()
		cancel()
		return // duplicate queue entry from a dispatcher sweep
	}
	e.inflight[id] = struct{}{}
	e.cancels[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		delete(e.inflight, id)
		e.mu.Unlock()
		cancel()
	}()

	task, err := e.store.Get(id)
	if err != nil {
		log.Error("queued task vanished", "task", id, "err", err)
		return
	}
	if task.Status != types.StatusQueued {
		return // cancelled or finalized while waiting for a slot
	}

	r := &taskRun{engine: e, task: task}
	r.execute(ctx)
}

// taskRun holds the per-attempt state of one task lifecycle: its working
// snapshot, the resolved format list, and the retry bookkeeping shared
// across phases.
type taskRun struct {
	engine  *engine
	task    *types.Task
	formats []types.Format
	tracker *progressTracker

	retries      int
	refreshTried bool
	extraAttempt int

	cbMu sync.Mutex // serializes adapter callbacks against phase changes
}

func (r *taskRun) execute(ctx context.Context) {
	if err := r.phase(ctx, r.resolve); err != nil {
		r.fail(ctx, err)
		return
	}
	if err := r.phase(ctx, r.download); err != nil {
		r.fail(ctx, err)
		return
	}
	if err := r.finish(ctx); err != nil {
		r.fail(ctx, err)
		return
	}
}

// phase runs fn under the per-phase timeout and the engine retry policy:
// transient kinds retry with exponential backoff and re-enter the same
// phase; an access-denied failure triggers exactly one credential refresh
// worth exactly one extra attempt beyond the retry bound. Retries stay
// invisible to observers until they are exhausted.
func (r *taskRun) phase(ctx context.Context, fn func(context.Context) error) error {
	for {
		phaseCtx, cancel := context.WithTimeout(ctx, r.engine.cfg.Downloads.PhaseTimeout())
		err := fn(phaseCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Canceled
		}
		if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
			return errPhaseTimeout
		}

		kind := media.Classify(err)
		if !kind.Retryable() {
			return err
		}
		if kind == types.ErrKindAccessDenied && !r.refreshTried {
			r.refreshTried = true
			if ok, rerr := r.engine.tool.RefreshCredentials(ctx); rerr == nil && ok {
				r.extraAttempt = 1
			}
		}
		if r.retries >= r.engine.cfg.Retry.MaxAttempts+r.extraAttempt {
			return err
		}
		r.retries++
		r.recordRetry(kind, err)

		wait := backoff(r.engine.cfg.Retry, r.retries)
		log.Warn("task phase failed, retrying", "task", r.task.ID, "kind", kind,
			"retry", r.retries, "backoff", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return context.Canceled
		}
	}
}

// resolve fetches formats and metadata, and picks the default format when
// the submission did not name one. The chosen format id is immutable after
// this point.
func (r *taskRun) resolve(ctx context.Context) error {
	r.setPhase(types.StatusResolving, "")

	resolved, err := r.engine.tool.Resolve(ctx, r.task.URL)
	if err != nil {
		return err
	}
	r.formats = resolved.Formats

	if r.task.Title == "" {
		r.task.Title = resolved.Metadata.Title
		r.task.Uploader = resolved.Metadata.Uploader
		r.task.Thumbnail = resolved.Metadata.Thumbnail
		r.task.Duration = resolved.Metadata.Duration
	}
	if r.task.FormatID == "" {
		def, ok := SelectDefault(resolved.Formats, r.engine.cfg.Formats.PreferredExt)
		if !ok {
			return &media.UnresolvableSourceError{URL: r.task.URL, Err: fmt.Errorf("no selectable formats")}
		}
		r.task.FormatID = def.FormatID
	}
	return r.persist()
}

// download drives the fetch, translating the adapter's phase-local progress
// into the weighted overall percent and the matching status transitions.
func (r *taskRun) download(ctx context.Context) error {
	split := strings.Contains(r.task.FormatID, "+")
	videoSize, audioSize := expectedSizes(r.formats, r.task.FormatID)
	r.tracker = newProgressTracker(split, videoSize, audioSize)

	outTemplate := filepath.Join(r.engine.cfg.Downloads.Dir, r.task.ID+".%(ext)s")
	r.removePartials(outTemplate) // a retry never overwrites a stale partial in place

	r.setPhase(types.StatusDownloadingVideo, "")

	path, err := r.engine.tool.Download(ctx, r.task.URL, r.task.FormatID, outTemplate, func(update media.ProgressUpdate) {
		r.cbMu.Lock()
		defer r.cbMu.Unlock()
		if update.Phase == media.PhaseAudio && r.task.Status == types.StatusDownloadingVideo {
			r.setPhase(types.StatusDownloadingAudio, "")
		}
		progress := r.tracker.observe(update)
		r.task.Progress = progress
		if update.Detail != "" {
			r.task.PhaseDetail = update.Detail
		}
		if r.engine.broadcaster.Publish(r.task, false) {
			r.persistQuiet()
		}
	})
	if err != nil {
		return err
	}

	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	if split {
		// the mux ran inside the tool; checkpoint the phase with the held
		// percent rather than regressing the display
		r.task.Progress.Percent = r.tracker.merging()
		r.setPhase(types.StatusMerging, "")
	}
	r.task.OutputPath = path
	return r.persist()
}

// finish applies the transcode policy, probes the final file and records the
// terminal completed state.
func (r *taskRun) finish(ctx context.Context) error {
	if err := r.maybeTranscode(ctx); err != nil {
		return err
	}

	if info, err := r.engine.tool.Probe(r.task.OutputPath); err == nil {
		r.task.FileSize = info.Size
		if r.task.Title == "" {
			r.task.Title = info.Title
		}
	} else {
		log.Warn("failed to probe output file", "task", r.task.ID, "err", err)
	}

	now := time.Now()
	r.task.Status = types.StatusCompleted
	r.task.PhaseDetail = ""
	r.task.Progress.Percent = 100
	r.task.CompletedAt = &now
	if err := r.persist(); err != nil {
		return &media.DiskError{Err: err}
	}
	r.engine.broadcaster.Publish(r.task, true)
	log.Info("task completed", "task", r.task.ID, "output", r.task.OutputPath)
	return nil
}

// maybeTranscode re-encodes the output when the policy demands it. With
// transcode.required unset the downloaded file survives a failed transcode
// and the task still completes.
func (r *taskRun) maybeTranscode(ctx context.Context) error {
	policy := r.engine.cfg.Transcode
	if !policy.Enabled {
		return nil
	}
	codec, err := r.engine.tool.VideoCodec(ctx, r.task.OutputPath)
	if err != nil {
		log.Warn("codec detection failed, skipping transcode", "task", r.task.ID, "err", err)
		return nil
	}
	if !policy.ShouldTranscode(codec) {
		return nil
	}

	r.setPhase(types.StatusTranscoding, "codec "+codec)
	original := r.task.OutputPath
	transcoded, err := r.engine.tool.Transcode(ctx, original, policy.Profile, func(update media.ProgressUpdate) {
		r.cbMu.Lock()
		defer r.cbMu.Unlock()
		r.task.Progress.Percent = update.Percent
		if r.engine.broadcaster.Publish(r.task, false) {
			r.persistQuiet()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if policy.Required {
			return err
		}
		log.Warn("best-effort transcode failed, keeping original", "task", r.task.ID, "err", err)
		return nil
	}

	if err := os.Remove(original); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove pre-transcode file", "task", r.task.ID, "err", err)
	}
	r.task.OutputPath = transcoded
	return r.persist()
}

// fail records the terminal error state, classifying the failure and
// releasing any partial output per the keep-partial policy
func (r *taskRun) fail(ctx context.Context, err error) {
	kind := media.Classify(err)
	message := err.Error()
	switch {
	case errors.Is(err, errPhaseTimeout):
		kind = types.ErrKindCancelled
		message = "external tool unresponsive, phase timed out"
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		kind = types.ErrKindCancelled
		message = "cancelled by user"
	}
	if kind == types.ErrKindUnknown {
		log.Error("unclassified task failure", "task", r.task.ID, "err", err)
	}

	if !r.engine.cfg.Downloads.KeepPartial {
		r.removePartials(filepath.Join(r.engine.cfg.Downloads.Dir, r.task.ID+".%(ext)s"))
		r.task.OutputPath = ""
	}

	now := time.Now()
	r.task.Status = types.StatusError
	r.task.PhaseDetail = ""
	r.task.CompletedAt = &now
	if r.task.Error == nil {
		r.task.Error = &types.ErrorDetail{}
	}
	r.task.Error.Kind = kind
	r.task.Error.Message = message
	r.task.Error.LastAttemptAt = &now
	if perr := r.persist(); perr != nil {
		log.Error("failed to record task failure", "task", r.task.ID, "err", perr)
	}
	r.engine.broadcaster.Publish(r.task, true)
	log.Warn("task failed", "task", r.task.ID, "kind", kind, "retries", r.task.Error.RetryCount)
}

// recordRetry bumps the durable retry counter without surfacing an error
// status; retries stay transparent to observers until exhausted
func (r *taskRun) recordRetry(kind types.ErrorKind, err error) {
	now := time.Now()
	if r.task.Error == nil {
		r.task.Error = &types.ErrorDetail{}
	}
	r.task.Error.Kind = kind
	r.task.Error.Message = err.Error()
	r.task.Error.RetryCount++
	r.task.Error.LastAttemptAt = &now
	if perr := r.persist(); perr != nil {
		log.Error("failed to record retry", "task", r.task.ID, "err", perr)
	}
}

// setPhase checkpoints a status transition durably and force-publishes it,
// so every phase boundary reaches both the store and all observers
func (r *taskRun) setPhase(status types.TaskStatus, detail string) {
	if !r.task.Status.CanTransition(status) {
		log.Error("illegal phase transition", "task", r.task.ID, "from", r.task.Status, "to", status)
		return
	}
	r.task.Status = status
	r.task.PhaseDetail = detail
	if err := r.persist(); err != nil {
		log.Error("failed to checkpoint phase", "task", r.task.ID, "phase", status, "err", err)
	}
	r.engine.broadcaster.Publish(r.task, true)
}

func (r *taskRun) persist() error {
	snap := r.task.Clone()
	return r.engine.store.Update(snap.ID, func(t *types.Task) error {
		*t = *snap
		return nil
	})
}

func (r *taskRun) persistQuiet() {
	if err := r.persist(); err != nil {
		log.Error("failed to persist progress", "task", r.task.ID, "err", err)
	}
}

// removePartials deletes whatever the output template expanded to on disk
func (r *taskRun) removePartials(outTemplate string) {
	pattern := strings.Replace(outTemplate, "%(ext)s", "*", 1)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove partial file", "path", path, "err", err)
		}
	}
}

// backoff computes base * 2^(retry-1), capped
func backoff(cfg config.RetryConfig, retry int) time.Duration {
	wait := cfg.BackoffBase()
	for i := 1; i < retry; i++ {
		wait *= 2
		if wait >= cfg.BackoffCap() {
			return cfg.BackoffCap()
		}
	}
	if wait > cfg.BackoffCap() {
		wait = cfg.BackoffCap()
	}
	return wait
}
