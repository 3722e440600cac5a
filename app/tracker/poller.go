package tracker

import (
	"context"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// Cron defines the subset of robfig/cron methods the poller uses
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
	Remove(id cron.EntryID)
}

// CronPoller drives periodic re-evaluation of non-terminal jobs. The recurring
// entry exists only while there is something to poll: armed on submission or
// rehydration, removed when every tracked job reached a terminal state or the
// session deactivated. Each tick calls Tick with the run context.
type CronPoller struct {
	Cron Cron
	Spec string // cron schedule for ticks, e.g. "@every 2s"
	Tick func(ctx context.Context)

	lock  sync.Mutex
	ctx   context.Context
	entry cron.EntryID
	armed bool
}

// Run starts the underlying cron and blocks until ctx is canceled, then stops
// it waiting for an in-flight tick to complete
func (p *CronPoller) Run(ctx context.Context) {
	p.lock.Lock()
	p.ctx = ctx
	p.lock.Unlock()

	p.Cron.Start()
	<-ctx.Done()
	<-p.Cron.Stop().Done()
	log.Print("[DEBUG] poller stopped")
}

// Arm schedules the recurring tick if not scheduled already
func (p *CronPoller) Arm() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.armed {
		return
	}

	sched, err := cron.ParseStandard(p.Spec)
	if err != nil {
		log.Printf("[ERROR] invalid poll schedule %q, %v", p.Spec, err)
		return
	}

	// the context is resolved per tick, not captured here - arming may happen
	// before Run stored the run context, and ticks fire only after Run started
	p.entry = p.Cron.Schedule(sched, cron.FuncJob(func() { p.Tick(p.runCtx()) }))
	p.armed = true
	log.Printf("[INFO] poller armed, schedule %q", p.Spec)
}

func (p *CronPoller) runCtx() context.Context {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

// Disarm removes the recurring tick, no-op if not armed. An in-flight tick is
// allowed to complete, its results are discarded against the empty store.
func (p *CronPoller) Disarm() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.armed {
		return
	}
	p.Cron.Remove(p.entry)
	p.armed = false
	log.Print("[INFO] poller disarmed, no active jobs")
}

// Armed reports whether the recurring tick is currently scheduled
func (p *CronPoller) Armed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.armed
}
