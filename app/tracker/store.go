package tracker

import (
	"sync"
	"time"
)

// Store keeps the tracked set of ingestion jobs in insertion order, plus the
// announcement ledger recording which (job, status) transitions were already
// announced. All mutations go through the store, it owns no network access.
type Store struct {
	lock      sync.Mutex
	jobs      map[string]Job
	order     []string
	announced map[string]time.Time // jobID#status -> when announced
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{jobs: make(map[string]Job), announced: make(map[string]time.Time)}
}

// Add inserts a new job, rejects duplicate ids to keep the tracked set unique.
// Returns false if the id is already tracked.
func (s *Store) Add(job Job) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.jobs[job.ID]; found {
		return false
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return true
}

// Get returns the job by id
func (s *Store) Get(id string) (Job, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	job, found := s.jobs[id]
	return job, found
}

// List returns a snapshot of all tracked jobs in insertion order
func (s *Store) List() []Job {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		res = append(res, s.jobs[id])
	}
	return res
}

// Active returns a snapshot of jobs in non-terminal states
func (s *Store) Active() []Job {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := []Job{}
	for _, id := range s.order {
		if job := s.jobs[id]; !job.Status.Terminal() {
			res = append(res, job)
		}
	}
	return res
}

// ActiveCount returns the number of jobs in non-terminal states
func (s *Store) ActiveCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	count := 0
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			count++
		}
	}
	return count
}

// Dismiss removes the job and purges its ledger entries. Removing an absent id
// is a no-op, reported by the return value.
func (s *Store) Dismiss(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.jobs[id]; !found {
		return false
	}
	delete(s.jobs, id)
	for i, jid := range s.order {
		if jid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.purgeLedger(id)
	return true
}

// Apply replaces the stored job's mutable fields with a freshly fetched state.
// No-op (returns false) if the id is absent (dismissed mid-flight), the status
// is unchanged, or the fetched status is earlier in the state machine than the
// stored one - the guard against out-of-order poll responses.
func (s *Store) Apply(id string, status Status, result *Result, errMsg string) (Job, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	job, found := s.jobs[id]
	if !found {
		return Job{}, false
	}
	if status == job.Status || job.Status.Terminal() || status.Rank() < job.Status.Rank() {
		return job, false
	}
	job.Status = status
	job.Result = result
	job.Error = errMsg
	s.jobs[id] = job
	return job, true
}

// MarkAnnounced records (id, status) in the ledger, returns false if it was
// recorded before. This is what makes announcements at-most-once per transition.
func (s *Store) MarkAnnounced(id string, status Status) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	key := id + "#" + status.String()
	if _, found := s.announced[key]; found {
		return false
	}
	s.announced[key] = time.Now()
	return true
}

// ReplaceAll swaps the tracked set with rehydrated jobs, keeping their order.
// Duplicate ids in the input are dropped, first occurrence wins.
func (s *Store) ReplaceAll(jobs []Job) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.jobs = make(map[string]Job, len(jobs))
	s.order = s.order[:0]
	for _, job := range jobs {
		if _, found := s.jobs[job.ID]; found {
			continue
		}
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
	}
}

// Reset wipes the tracked set and the ledger, used on session sign-out
func (s *Store) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.jobs = make(map[string]Job)
	s.order = nil
	s.announced = make(map[string]time.Time)
}

func (s *Store) purgeLedger(id string) {
	for _, status := range []Status{StatusPending, StatusRunning, StatusSuccess, StatusFailed} {
		delete(s.announced, id+"#"+status.String())
	}
}
