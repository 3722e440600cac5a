// Package tracker implements the ingestion-job tracking core: the tracked set
// of submitted jobs, reconciliation of freshly polled statuses, session-scoped
// persistence and at-most-once announcements of terminal transitions.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// JobState is the backend's view of a job as returned by the status endpoint
type JobState struct {
	ID     string
	Status Status
	Result *Result
	Error  string
}

// Client defines backend calls the tracker depends on. Submissions return the
// backend-assigned job id, any accepted submission starts tracking at pending.
type Client interface {
	SubmitFile(ctx context.Context, name string, r io.Reader) (id string, err error)
	SubmitText(ctx context.Context, text string) (id string, err error)
	JobStatus(ctx context.Context, id string) (JobState, error)
}

// Notifier defines delivery of a user-visible announcement for a terminal transition
type Notifier interface {
	Announce(ctx context.Context, job Job)
}

// Persistence defines the durable mirror of the tracked set, scoped per account
type Persistence interface {
	Load(account string) ([]Job, error)
	Save(account string, jobs []Job) error
	Wipe(account string) error
}

// Poller defines arming/disarming of the recurring status poll
type Poller interface {
	Arm()
	Disarm()
}

// HTTPStatusError is implemented by transport errors carrying the backend's
// http status, used to classify poll failures (403/404 drop the job silently,
// 401 ends the session, anything else waits for the next tick).
type HTTPStatusError interface {
	HTTPStatus() int
}

// Tracker owns the tracked set for one authenticated session and applies
// polled statuses to it. UI-facing surfaces hold it as a read projection plus
// submit/dismiss capabilities, all mutations flow through here.
type Tracker struct {
	Store       *Store
	Client      Client
	Persistence Persistence
	Notifier    Notifier
	Poller      Poller
	Concurrency int // max concurrent status queries per tick, default 8

	lock    sync.Mutex
	account string
}

// textJobName labels raw-text submissions, files use their own name
const textJobName = "Text Input"

// Activate binds the tracker to an authenticated account: rehydrates the
// tracked set from persistence and re-arms the poller if any rehydrated job is
// still non-terminal. Load failures degrade to an empty set, history is
// re-derivable by resubmission.
func (t *Tracker) Activate(account string) {
	t.lock.Lock()
	t.account = account
	t.lock.Unlock()

	jobs, err := t.Persistence.Load(account)
	if err != nil {
		log.Printf("[WARN] can't rehydrate jobs for %s, starting empty, %v", account, err)
		jobs = nil
	}
	t.Store.ReplaceAll(jobs)
	log.Printf("[INFO] session activated for %s, %d jobs rehydrated", account, len(jobs))

	if t.Store.ActiveCount() > 0 {
		t.Poller.Arm()
	}
}

// Deactivate ends the session: wipes the tracked set, its persisted copy and
// the announcement ledger, and disarms the poller. In-flight status queries may
// still complete but their results hit an empty store and get discarded. Held
// under the same lock as persist, so an in-flight write-through finishes before
// the wipe and nothing of the old session survives it.
func (t *Tracker) Deactivate() {
	t.Poller.Disarm()

	t.lock.Lock()
	defer t.lock.Unlock()
	account := t.account
	t.account = ""
	t.Store.Reset()
	if account == "" {
		return
	}
	if err := t.Persistence.Wipe(account); err != nil {
		log.Printf("[WARN] failed to wipe persisted jobs for %s, %v", account, err)
	}
	log.Printf("[INFO] session deactivated for %s", account)
}

// SubmitFile sends a file payload to the backend and starts tracking the
// accepted job as pending. Submission failures propagate to the caller and
// create no job.
func (t *Tracker) SubmitFile(ctx context.Context, name string, r io.Reader) (Job, error) {
	id, err := t.Client.SubmitFile(ctx, name, r)
	if err != nil {
		return Job{}, fmt.Errorf("failed to submit file %q: %w", name, err)
	}
	return t.track(id, name)
}

// SubmitText sends a raw-text payload to the backend and starts tracking the
// accepted job as pending
func (t *Tracker) SubmitText(ctx context.Context, text string) (Job, error) {
	id, err := t.Client.SubmitText(ctx, text)
	if err != nil {
		return Job{}, fmt.Errorf("failed to submit text: %w", err)
	}
	return t.track(id, textJobName)
}

func (t *Tracker) track(id, name string) (Job, error) {
	job := Job{ID: id, DisplayName: name, Status: StatusPending, CreatedAt: time.Now()}
	if !t.Store.Add(job) {
		return Job{}, fmt.Errorf("job %s already tracked", id)
	}
	log.Printf("[INFO] tracking job %s (%s)", id, name)
	t.persist()
	t.Poller.Arm()
	return job, nil
}

// List returns the tracked jobs in insertion order
func (t *Tracker) List() []Job {
	return t.Store.List()
}

// Dismiss removes a job from the tracked set, idempotent for absent ids
func (t *Tracker) Dismiss(id string) {
	if !t.Store.Dismiss(id) {
		return
	}
	log.Printf("[DEBUG] dismissed job %s", id)
	t.persist()
	if t.Store.ActiveCount() == 0 {
		t.Poller.Disarm()
	}
}

// PollActive queries the backend for every non-terminal job concurrently and
// reconciles each result independently. A slow or failed query for one job
// never blocks or corrupts the update of another. Called by the poller on
// every tick, also invoked directly by tests.
func (t *Tracker) PollActive(ctx context.Context) {
	active := t.Store.Active()
	if len(active) == 0 {
		t.Poller.Disarm()
		return
	}

	concurrency := t.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	gr := syncs.NewSizedGroup(concurrency, syncs.Context(ctx))
	for _, job := range active {
		gr.Go(func(ctx context.Context) {
			t.pollJob(ctx, job.ID)
		})
	}
	gr.Wait()

	if t.Store.ActiveCount() == 0 {
		t.Poller.Disarm()
	}
}

func (t *Tracker) pollJob(ctx context.Context, id string) {
	state, err := t.Client.JobStatus(ctx, id)
	if err != nil {
		var se HTTPStatusError
		if errors.As(err, &se) {
			switch se.HTTPStatus() {
			case http.StatusForbidden, http.StatusNotFound:
				// the record is invalid for this caller, not a job failure -
				// drop silently, no announcement
				if t.Store.Dismiss(id) {
					log.Printf("[INFO] job %s no longer valid, removed", id)
					t.persist()
				}
				return
			case http.StatusUnauthorized:
				log.Printf("[WARN] backend session expired, deactivating")
				t.Deactivate()
				return
			}
		}
		// transient failure, the next tick retries
		log.Printf("[WARN] failed to fetch status of job %s, %v", id, err)
		return
	}
	t.reconcile(ctx, state)
}

// reconcile applies a freshly fetched status to the stored job. The store
// enforces idempotence and the monotonic-rank guard, so stale or repeated
// responses fall out as no-ops with no persistence write and no announcement.
func (t *Tracker) reconcile(ctx context.Context, state JobState) {
	job, changed := t.Store.Apply(state.ID, state.Status, state.Result, state.Error)
	if !changed {
		return
	}
	log.Printf("[INFO] job %s (%s) -> %s", job.ID, job.DisplayName, job.Status)
	t.persist()

	if job.Status.Terminal() && t.Store.MarkAnnounced(job.ID, job.Status) {
		t.Notifier.Announce(ctx, job)
	}
}

// persist mirrors the tracked set to storage, best effort. The lock is held
// across the save so it serializes against Deactivate: a write-through started
// before sign-out completes before the wipe, one started after sees the cleared
// account and skips.
func (t *Tracker) persist() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.account == "" {
		return
	}
	if err := t.Persistence.Save(t.account, t.Store.List()); err != nil {
		log.Printf("[WARN] failed to persist jobs for %s, %v", t.account, err)
	}
}
