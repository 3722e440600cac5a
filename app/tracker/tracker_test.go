package tracker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	submitFile func(ctx context.Context, name string, r io.Reader) (string, error)
	submitText func(ctx context.Context, text string) (string, error)
	jobStatus  func(ctx context.Context, id string) (JobState, error)
}

func (c *fakeClient) SubmitFile(ctx context.Context, name string, r io.Reader) (string, error) {
	return c.submitFile(ctx, name, r)
}
func (c *fakeClient) SubmitText(ctx context.Context, text string) (string, error) {
	return c.submitText(ctx, text)
}
func (c *fakeClient) JobStatus(ctx context.Context, id string) (JobState, error) {
	return c.jobStatus(ctx, id)
}

type fakePersistence struct {
	mu      sync.Mutex
	data    map[string][]Job
	saves   int
	wipes   int
	loadErr error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{data: map[string][]Job{}}
}

func (p *fakePersistence) Load(account string) ([]Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	return p.data[account], nil
}

func (p *fakePersistence) Save(account string, jobs []Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.data[account] = jobs
	return nil
}

func (p *fakePersistence) Wipe(account string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wipes++
	delete(p.data, account)
	return nil
}

func (p *fakePersistence) saved(account string) []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[account]
}

func (p *fakePersistence) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func (p *fakePersistence) wipeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wipes
}

type fakeNotifier struct {
	mu        sync.Mutex
	announced []Job
}

func (n *fakeNotifier) Announce(_ context.Context, job Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.announced = append(n.announced, job)
}

func (n *fakeNotifier) jobs() []Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Job(nil), n.announced...)
}

type fakePoller struct {
	mu      sync.Mutex
	arms    int
	disarms int
}

func (p *fakePoller) Arm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arms++
}

func (p *fakePoller) Disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disarms++
}

func (p *fakePoller) counts() (arms, disarms int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arms, p.disarms
}

func newTestTracker(client *fakeClient) (*Tracker, *fakePersistence, *fakeNotifier, *fakePoller) {
	persistence := newFakePersistence()
	notifier := &fakeNotifier{}
	poller := &fakePoller{}
	trk := &Tracker{
		Store:       NewStore(),
		Client:      client,
		Persistence: persistence,
		Notifier:    notifier,
		Poller:      poller,
	}
	trk.Activate("user@example.com")
	return trk, persistence, notifier, poller
}

func TestTracker_SubmitFile(t *testing.T) {
	client := &fakeClient{
		submitFile: func(_ context.Context, name string, r io.Reader) (string, error) {
			assert.Equal(t, "report.pdf", name)
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, "file content", string(data))
			return "job-1", nil
		},
	}
	trk, persistence, _, poller := newTestTracker(client)

	job, err := trk.SubmitFile(context.Background(), "report.pdf", strings.NewReader("file content"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "report.pdf", job.DisplayName)
	assert.Equal(t, StatusPending, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	arms, _ := poller.counts()
	assert.Equal(t, 1, arms, "poller armed on first submission")
	require.Len(t, persistence.saved("user@example.com"), 1, "tracked set mirrored to storage")
}

func TestTracker_SubmitFileFailed(t *testing.T) {
	client := &fakeClient{
		submitFile: func(context.Context, string, io.Reader) (string, error) {
			return "", fmt.Errorf("backend down")
		},
	}
	trk, persistence, _, poller := newTestTracker(client)

	_, err := trk.SubmitFile(context.Background(), "report.pdf", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report.pdf")

	assert.Empty(t, trk.List(), "failed submission creates no job")
	arms, _ := poller.counts()
	assert.Equal(t, 0, arms)
	assert.Equal(t, 0, persistence.saveCount())
}

func TestTracker_SubmitText(t *testing.T) {
	client := &fakeClient{
		submitText: func(_ context.Context, text string) (string, error) {
			assert.Equal(t, "buy milk tomorrow", text)
			return "job-2", nil
		},
	}
	trk, _, _, _ := newTestTracker(client)

	job, err := trk.SubmitText(context.Background(), "buy milk tomorrow")
	require.NoError(t, err)
	assert.Equal(t, "Text Input", job.DisplayName)
	assert.Equal(t, StatusPending, job.Status)
}

func TestTracker_SubmitDuplicate(t *testing.T) {
	client := &fakeClient{
		submitText: func(context.Context, string) (string, error) { return "job-1", nil },
	}
	trk, _, _, _ := newTestTracker(client)

	_, err := trk.SubmitText(context.Background(), "first")
	require.NoError(t, err)
	_, err = trk.SubmitText(context.Background(), "second")
	require.Error(t, err, "backend handed out the same id twice")
	assert.Len(t, trk.List(), 1)
}

// full lifecycle: pending -> running (no announcement) -> success (one
// announcement), repeated polls of a settled state change nothing
func TestTracker_Lifecycle(t *testing.T) {
	var mu sync.Mutex
	state := JobState{ID: "job-1", Status: StatusRunning}
	client := &fakeClient{
		submitText: func(context.Context, string) (string, error) { return "job-1", nil },
		jobStatus: func(_ context.Context, id string) (JobState, error) {
			mu.Lock()
			defer mu.Unlock()
			return state, nil
		},
	}
	trk, persistence, notifier, poller := newTestTracker(client)

	_, err := trk.SubmitText(context.Background(), "some tasks")
	require.NoError(t, err)

	trk.PollActive(context.Background())
	job, _ := trk.Store.Get("job-1")
	assert.Equal(t, StatusRunning, job.Status)
	assert.Empty(t, notifier.jobs(), "running is not announced")

	trk.PollActive(context.Background()) // same status again, no-op
	savesAfterRunning := persistence.saveCount()

	mu.Lock()
	state = JobState{ID: "job-1", Status: StatusSuccess, Result: &Result{DraftIDs: []int64{7}, CreatedCount: 1}}
	mu.Unlock()

	trk.PollActive(context.Background())

	job, _ = trk.Store.Get("job-1")
	assert.Equal(t, StatusSuccess, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 1, job.Result.CreatedCount)

	announced := notifier.jobs()
	require.Len(t, announced, 1, "exactly one announcement for the terminal transition")
	assert.Equal(t, "job-1", announced[0].ID)
	assert.Equal(t, StatusSuccess, announced[0].Status)

	assert.Equal(t, savesAfterRunning+1, persistence.saveCount(), "no-op polls don't write storage")

	_, disarms := poller.counts()
	assert.GreaterOrEqual(t, disarms, 1, "poller disarmed once nothing is active")

	trk.PollActive(context.Background()) // nothing active, disarms again and returns
	assert.Len(t, notifier.jobs(), 1, "settled job never re-announced")
}

func TestTracker_TwoConcurrentFailures(t *testing.T) {
	client := &fakeClient{
		jobStatus: func(_ context.Context, id string) (JobState, error) {
			return JobState{ID: id, Status: StatusFailed, Error: "parse error in " + id}, nil
		},
	}
	trk, _, notifier, _ := newTestTracker(client)
	trk.Store.Add(Job{ID: "job-1", DisplayName: "a.pdf", Status: StatusRunning})
	trk.Store.Add(Job{ID: "job-2", DisplayName: "b.pdf", Status: StatusRunning})

	trk.PollActive(context.Background())

	announced := notifier.jobs()
	require.Len(t, announced, 2, "each failure announced independently")
	ids := []string{announced[0].ID, announced[1].ID}
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, ids)
	for _, job := range announced {
		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, job.Error, "parse error")
	}
}

type httpErr int

func (e httpErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e httpErr) HTTPStatus() int { return int(e) }

func TestTracker_GoneJobRemovedSilently(t *testing.T) {
	tbl := []struct {
		name string
		code int
	}{
		{"not found", 404},
		{"forbidden", 403},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{
				jobStatus: func(context.Context, string) (JobState, error) {
					return JobState{}, httpErr(tt.code)
				},
			}
			trk, persistence, notifier, _ := newTestTracker(client)
			trk.Store.Add(Job{ID: "job-1", Status: StatusPending})

			trk.PollActive(context.Background())

			assert.Empty(t, trk.List(), "invalid job dropped")
			assert.Empty(t, notifier.jobs(), "no announcement for a dropped job")
			assert.Empty(t, persistence.saved("user@example.com"), "removal persisted")
			assert.True(t, trk.Store.MarkAnnounced("job-1", StatusFailed), "no ledger residue")
		})
	}
}

func TestTracker_UnauthorizedDeactivates(t *testing.T) {
	client := &fakeClient{
		jobStatus: func(context.Context, string) (JobState, error) {
			return JobState{}, httpErr(401)
		},
	}
	trk, persistence, notifier, poller := newTestTracker(client)
	trk.Store.Add(Job{ID: "job-1", Status: StatusRunning})

	trk.PollActive(context.Background())

	assert.Empty(t, trk.List(), "tracked set wiped on session expiry")
	assert.Empty(t, notifier.jobs())
	assert.Equal(t, 1, persistence.wipeCount(), "persisted copy wiped too")
	_, disarms := poller.counts()
	assert.GreaterOrEqual(t, disarms, 1)
}

func TestTracker_TransientErrorKeepsJob(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	client := &fakeClient{
		jobStatus: func(_ context.Context, id string) (JobState, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return JobState{}, fmt.Errorf("connection refused")
			}
			return JobState{ID: id, Status: StatusSuccess, Result: &Result{CreatedCount: 1}}, nil
		},
	}
	trk, _, notifier, _ := newTestTracker(client)
	trk.Store.Add(Job{ID: "job-1", Status: StatusRunning})

	trk.PollActive(context.Background())
	job, found := trk.Store.Get("job-1")
	require.True(t, found, "transient failure keeps the job for the next tick")
	assert.Equal(t, StatusRunning, job.Status)
	assert.Empty(t, notifier.jobs())

	trk.PollActive(context.Background())
	job, _ = trk.Store.Get("job-1")
	assert.Equal(t, StatusSuccess, job.Status)
	assert.Len(t, notifier.jobs(), 1)
}

func TestTracker_DismissMidFlight(t *testing.T) {
	client := &fakeClient{}
	trk, _, notifier, poller := newTestTracker(client)
	trk.Store.Add(Job{ID: "job-1", Status: StatusRunning})

	// the job gets dismissed while its status response is in flight
	trk.Dismiss("job-1")
	trk.reconcile(context.Background(), JobState{ID: "job-1", Status: StatusSuccess, Result: &Result{CreatedCount: 3}})

	assert.Empty(t, trk.List())
	assert.Empty(t, notifier.jobs(), "late response for a dismissed job is discarded")
	_, disarms := poller.counts()
	assert.Equal(t, 1, disarms)
}

func TestTracker_DismissAbsent(t *testing.T) {
	trk, persistence, _, poller := newTestTracker(&fakeClient{})

	trk.Dismiss("ghost")

	assert.Equal(t, 0, persistence.saveCount())
	_, disarms := poller.counts()
	assert.Equal(t, 0, disarms, "dismissing an unknown id changes nothing")
}

func TestTracker_ActivateRehydrates(t *testing.T) {
	persistence := newFakePersistence()
	persistence.data["user@example.com"] = []Job{
		{ID: "j1", DisplayName: "old.pdf", Status: StatusSuccess, Result: &Result{CreatedCount: 2}},
		{ID: "j2", DisplayName: "live.pdf", Status: StatusRunning},
	}
	poller := &fakePoller{}
	trk := &Tracker{Store: NewStore(), Client: &fakeClient{}, Persistence: persistence, Notifier: &fakeNotifier{}, Poller: poller}

	trk.Activate("user@example.com")

	jobs := trk.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID, "rehydrated in persisted order")
	arms, _ := poller.counts()
	assert.Equal(t, 1, arms, "non-terminal job re-arms the poller")
}

func TestTracker_ActivateAllTerminal(t *testing.T) {
	persistence := newFakePersistence()
	persistence.data["user@example.com"] = []Job{{ID: "j1", Status: StatusFailed, Error: "boom"}}
	poller := &fakePoller{}
	trk := &Tracker{Store: NewStore(), Client: &fakeClient{}, Persistence: persistence, Notifier: &fakeNotifier{}, Poller: poller}

	trk.Activate("user@example.com")

	assert.Len(t, trk.List(), 1)
	arms, _ := poller.counts()
	assert.Equal(t, 0, arms, "nothing to poll")
}

func TestTracker_ActivateLoadError(t *testing.T) {
	persistence := newFakePersistence()
	persistence.loadErr = fmt.Errorf("disk gone")
	poller := &fakePoller{}
	trk := &Tracker{Store: NewStore(), Client: &fakeClient{}, Persistence: persistence, Notifier: &fakeNotifier{}, Poller: poller}

	trk.Activate("user@example.com")

	assert.Empty(t, trk.List(), "load failure degrades to empty set")
	arms, _ := poller.counts()
	assert.Equal(t, 0, arms)
}

func TestTracker_Deactivate(t *testing.T) {
	client := &fakeClient{
		submitText: func(context.Context, string) (string, error) { return "job-1", nil },
	}
	trk, persistence, _, poller := newTestTracker(client)
	_, err := trk.SubmitText(context.Background(), "tasks")
	require.NoError(t, err)

	trk.Deactivate()

	assert.Empty(t, trk.List())
	assert.Equal(t, 1, persistence.wipeCount())
	assert.Empty(t, persistence.saved("user@example.com"))
	_, disarms := poller.counts()
	assert.Equal(t, 1, disarms)

	trk.Deactivate() // second deactivate finds no account, no second wipe
	assert.Equal(t, 1, persistence.wipeCount())

	// signing back in with the same account finds nothing, the wipe was durable
	trk.Activate("user@example.com")
	assert.Empty(t, trk.List())
}

// blockingPersistence parks Save between enter and release so a test can hold
// a write-through in flight
type blockingPersistence struct {
	fakePersistence
	enter   chan struct{}
	release chan struct{}
}

func (p *blockingPersistence) Save(account string, jobs []Job) error {
	p.enter <- struct{}{}
	<-p.release
	return p.fakePersistence.Save(account, jobs)
}

func TestTracker_DeactivateWaitsForInFlightSave(t *testing.T) {
	persistence := &blockingPersistence{
		fakePersistence: fakePersistence{data: map[string][]Job{}},
		enter:           make(chan struct{}),
		release:         make(chan struct{}),
	}
	poller := &fakePoller{}
	trk := &Tracker{Store: NewStore(), Client: &fakeClient{}, Persistence: persistence, Notifier: &fakeNotifier{}, Poller: poller}
	trk.Activate("user@example.com")
	trk.Store.Add(Job{ID: "e1", DisplayName: "late.pdf", Status: StatusRunning})

	reconciled := make(chan struct{})
	go func() {
		trk.reconcile(context.Background(), JobState{ID: "e1", Status: StatusSuccess, Result: &Result{CreatedCount: 1}})
		close(reconciled)
	}()
	<-persistence.enter // the reconcile's write-through is now in flight

	deactivated := make(chan struct{})
	go func() {
		trk.Deactivate()
		close(deactivated)
	}()

	select {
	case <-deactivated:
		t.Fatal("deactivate overtook an in-flight save")
	case <-time.After(50 * time.Millisecond):
	}

	close(persistence.release)
	<-reconciled
	<-deactivated

	assert.Empty(t, trk.List())
	assert.Empty(t, persistence.saved("user@example.com"),
		"sign-out leaves no persisted jobs behind even with a save in flight")
	assert.Equal(t, 1, persistence.wipeCount())
}

func TestTracker_PollConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	client := &fakeClient{
		jobStatus: func(_ context.Context, id string) (JobState, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
			return JobState{ID: id, Status: StatusSuccess}, nil
		},
	}
	trk, _, notifier, _ := newTestTracker(client)
	trk.Concurrency = 2
	for i := 0; i < 10; i++ {
		trk.Store.Add(Job{ID: fmt.Sprintf("job-%d", i), Status: StatusRunning})
	}

	trk.PollActive(context.Background())

	assert.Equal(t, 0, trk.Store.ActiveCount(), "all jobs reconciled")
	assert.Len(t, notifier.jobs(), 10)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 2, "concurrency capped")
}
