// jobs/handler.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/mmp/chatbk/backup"
	"github.com/mmp/chatbk/block"
	"github.com/mmp/chatbk/chat"
	"github.com/mmp/chatbk/metrics"
	"github.com/mmp/chatbk/objstore"
	u "github.com/mmp/chatbk/util"
)

// Handler implements the job operations. Store, Runner and Dialer are
// required; Sessions may be nil.
type Handler struct {
	Store      *objstore.Store[Table]
	Runner     *backup.Runner
	Dialer     chat.Dialer
	Ledger     Ledger
	Dispatcher Dispatcher
	Sessions   SessionTracker
	// Ledger points credited per byte of uploaded shard.
	PointsPerByte float64
	Clock         clock.Clock
	Log           *u.Logger
}

// Init creates the job table if it doesn't exist yet.
func (h *Handler) Init(ctx context.Context) error {
	return errors.Trace(h.Store.Init(ctx, Table{}))
}

func (h *Handler) now() int64 {
	if h.Clock == nil {
		return time.Now().UnixMilli()
	}
	return h.Clock.Now().UnixMilli()
}

func (h *Handler) CreateJob(ctx context.Context, user string, params Params) (Job, error) {
	if user == "" {
		return Job{}, errors.NotValidf("empty user")
	}
	if err := params.Validate(); err != nil {
		return Job{}, errors.Trace(err)
	}
	job := Job{
		ID:      uuid.NewString(),
		User:    user,
		Status:  Waiting,
		Params:  params,
		Created: h.now(),
	}
	err := h.Store.Update(ctx, func(t *Table) error {
		if *t == nil {
			*t = make(Table)
		}
		(*t)[job.ID] = job
		return nil
	})
	if err != nil {
		return Job{}, errors.Annotatef(err, "creating job for %q", user)
	}
	metrics.JobTransitions.WithLabelValues(string(Waiting)).Inc()
	h.Log.Verbose("%s: created job for %s", job.ID, user)
	return job, nil
}

func (h *Handler) GetJob(ctx context.Context, id string) (Job, error) {
	t, err := h.Store.Get(ctx)
	if err != nil {
		return Job{}, errors.Trace(err)
	}
	job, ok := t[id]
	if !ok {
		return Job{}, errors.NotFoundf("job %q", id)
	}
	return job, nil
}

// ListJobs returns the user's jobs, oldest first.
func (h *Handler) ListJobs(ctx context.Context, user string) ([]Job, error) {
	t, err := h.Store.Get(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var jobs []Job
	for _, j := range t {
		if j.User == user {
			jobs = append(jobs, j)
		}
	}
	return byCreated(jobs), nil
}

// update applies fn to the job with the given id.
func (h *Handler) update(ctx context.Context, id string, fn func(j *Job) error) (Job, error) {
	var job Job
	err := h.Store.Update(ctx, func(t *Table) error {
		j, ok := (*t)[id]
		if !ok {
			return errors.NotFoundf("job %q", id)
		}
		if err := fn(&j); err != nil {
			job = j
			return err
		}
		(*t)[id] = j
		job = j
		return nil
	})
	return job, err
}

// QueueJob marks the job queued and dispatches it. Its earlier outcome, if
// any, is cleared.
func (h *Handler) QueueJob(ctx context.Context, req Request) (Job, error) {
	job, err := h.update(ctx, req.JobID, func(j *Job) error {
		j.Status = Queued
		j.Progress = 0
		j.Data = nil
		j.Cause = ""
		j.Started = 0
		j.Finished = 0
		return nil
	})
	if err != nil {
		return Job{}, errors.Trace(err)
	}
	metrics.JobTransitions.WithLabelValues(string(Queued)).Inc()
	if err := h.Dispatcher.Enqueue(ctx, req); err != nil {
		return job, errors.Annotatef(err, "dispatching job %q", req.JobID)
	}
	return job, nil
}

// RequeueJob returns a job that was interrupted to the queued state. It
// doesn't dispatch it.
func (h *Handler) RequeueJob(ctx context.Context, id string) error {
	_, err := h.update(ctx, id, func(j *Job) error {
		j.Status = Queued
		j.Progress = 0
		j.Started = 0
		// The interrupted attempt may have recorded an outcome first.
		j.Finished = 0
		j.Data = nil
		j.Cause = ""
		return nil
	})
	if err == nil {
		metrics.JobTransitions.WithLabelValues(string(Queued)).Inc()
	}
	return errors.Trace(err)
}

// Recover dispatches the queued jobs again, first returning running ones to
// the queue. It's for a process that keeps its queue in memory and is
// starting up, so that no job can still be running anywhere.
func (h *Handler) Recover(ctx context.Context) (int, error) {
	var queued []string
	err := h.Store.Update(ctx, func(t *Table) error {
		changed := false
		for id, j := range *t {
			switch j.Status {
			case Running:
				j.Status = Queued
				j.Progress = 0
				j.Started = 0
				(*t)[id] = j
				changed = true
				fallthrough
			case Queued:
				queued = append(queued, id)
			}
		}
		if !changed {
			return objstore.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, errors.Annotate(err, "recovering jobs")
	}

	n := 0
	for _, id := range queued {
		if err := h.Dispatcher.Enqueue(ctx, Request{JobID: id}); err != nil {
			return n, errors.Annotatef(err, "dispatching job %q", id)
		}
		n++
	}
	return n, nil
}

// Interrupted returns a job left running by a worker that stopped without
// finishing it to the queued state, so that its request runs it again.
// Jobs in other states, and jobs that no longer exist, are left alone.
func (h *Handler) Interrupted(ctx context.Context, req Request) error {
	reset := false
	_, err := h.update(ctx, req.JobID, func(j *Job) error {
		if j.Status != Running {
			return objstore.ErrNoChange
		}
		j.Status = Queued
		j.Progress = 0
		j.Started = 0
		reset = true
		return nil
	})
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if reset {
		metrics.JobTransitions.WithLabelValues(string(Queued)).Inc()
	}
	return nil
}

// HandleJob runs a queued job. Jobs in any other state are left alone. A
// failed backup is recorded in the job and isn't returned as an error;
// errors are only returned if the job's state couldn't be read or
// written.
func (h *Handler) HandleJob(ctx context.Context, req Request) error {
	started := false
	job, err := h.update(ctx, req.JobID, func(j *Job) error {
		if j.Status != Queued {
			return objstore.ErrNoChange
		}
		j.Status = Running
		j.Started = h.now()
		j.Finished = 0
		j.Progress = 0
		j.Cause = ""
		j.Attempt++
		started = true
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !started {
		h.Log.Verbose("%s: job is %s; not running it", job.ID, job.Status)
		return nil
	}
	return h.run(ctx, job)
}

func (h *Handler) run(ctx context.Context, job Job) error {
	metrics.JobTransitions.WithLabelValues(string(Running)).Inc()
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	log := h.Log.With("job", job.ID, "attempt", job.Attempt)
	log.Verbose("%s: running attempt %d", job.ID, job.Attempt)

	client, err := h.Dialer.Dial(ctx, job.User)
	if err != nil {
		return h.finish(ctx, job, block.Link{}, errors.Annotatef(err, "connecting to chat service"))
	}
	release := func() bool { return true }
	if h.Sessions != nil {
		release, err = h.Sessions.Track(job.ID, func() {
			if err := client.Close(); err != nil {
				log.Warning("%s: closing session: %v", job.ID, err)
			}
		})
		if err != nil {
			// Not going to run after all; leave it for the next worker.
			client.Close()
			return errors.Trace(h.unstart(ctx, job, err))
		}
	}

	root, runErr := h.Runner.Run(ctx, client, backup.Request{
		Space:   job.Params.Space,
		Dialogs: job.Params.Dialogs,
		Period:  job.Params.Period,
	}, func(ev backup.Event) {
		h.progress(ctx, log, job, ev)
	})

	if release() {
		if err := client.Close(); err != nil {
			log.Warning("%s: closing session: %v", job.ID, err)
		}
	}
	return h.finish(ctx, job, root, runErr)
}

// unstart returns a job that was started but not run to the queued state
// and returns cause.
func (h *Handler) unstart(ctx context.Context, job Job, cause error) error {
	_, err := h.update(ctx, job.ID, func(j *Job) error {
		if !current(j, job.Attempt) {
			return objstore.ErrNoChange
		}
		j.Status = Queued
		j.Started = 0
		j.Progress = 0
		return nil
	})
	if err != nil {
		h.Log.Error("%s: returning to queue: %v", job.ID, err)
	}
	return cause
}

// current reports whether j is still running the given attempt.
func current(j *Job, attempt uint64) bool {
	if j.Status != Running || j.Attempt != attempt {
		metrics.StaleWrites.Inc()
		return false
	}
	return true
}

func (h *Handler) progress(ctx context.Context, log *u.Logger, job Job, ev backup.Event) {
	var p float64
	switch ev := ev.(type) {
	case backup.DialogRetrieved:
		p = ev.Progress
	case backup.MessagesRetrieved:
		p = ev.Progress
	case backup.ShardUploaded:
		metrics.ShardsUploaded.Inc()
		metrics.ShardBytes.Add(float64(ev.Size))
		if h.Ledger == nil {
			return
		}
		if err := h.Ledger.AddPoints(ctx, job.User, float64(ev.Size)*h.PointsPerByte); err != nil {
			metrics.LedgerErrors.Inc()
			log.Error("%s: crediting %s for %s: %v", job.ID, job.User, ev.Name, err)
		}
		return
	default:
		panic(errors.Errorf("%T: unhandled backup event", ev))
	}

	_, err := h.update(ctx, job.ID, func(j *Job) error {
		if !current(j, job.Attempt) || p <= j.Progress {
			return objstore.ErrNoChange
		}
		j.Progress = min(p, 1)
		return nil
	})
	if err != nil {
		log.Warning("%s: recording progress: %v", job.ID, err)
	}
}

// finish records the outcome of a run.
func (h *Handler) finish(ctx context.Context, job Job, root block.Link, runErr error) error {
	var final Job
	_, err := h.update(ctx, job.ID, func(j *Job) error {
		if !current(j, job.Attempt) {
			return objstore.ErrNoChange
		}
		j.Finished = h.now()
		if runErr != nil {
			j.Status = Failed
			j.Cause = runErr.Error()
		} else {
			j.Status = Completed
			j.Progress = 1
			j.Data = &root
		}
		final = *j
		return nil
	})
	if err != nil {
		return errors.Annotatef(err, "recording outcome of job %q", job.ID)
	}
	if final.ID == "" {
		h.Log.Warning("%s: attempt %d was superseded; outcome discarded", job.ID, job.Attempt)
		return nil
	}

	metrics.JobTransitions.WithLabelValues(string(final.Status)).Inc()
	metrics.JobDuration.WithLabelValues(string(final.Status)).Observe(
		float64(final.Finished-final.Started) / 1000)
	if runErr != nil {
		h.Log.Error("%s: failed: %v", job.ID, runErr)
	} else {
		h.Log.Verbose("%s: completed: %s", job.ID, root)
	}
	return nil
}

// DeleteDialog removes a dialog from a completed job's backup, storing the
// new backup root in the job.
func (h *Handler) DeleteDialog(ctx context.Context, id, dialog string) (Job, error) {
	job, err := h.GetJob(ctx, id)
	if err != nil {
		return Job{}, errors.Trace(err)
	}
	if job.Status != Completed || job.Data == nil {
		return Job{}, errors.NotValidf("deleting a dialog from %s job %q", job.Status, id)
	}
	old := *job.Data
	root, err := h.Runner.DeleteDialog(ctx, job.Params.Space, old, dialog)
	if errors.Is(err, backup.ErrNoDialog) {
		return Job{}, errors.NewNotFound(err, "")
	} else if err != nil {
		return Job{}, errors.Trace(err)
	}

	job, err = h.update(ctx, id, func(j *Job) error {
		if j.Status != Completed || j.Data == nil || *j.Data != old {
			return errors.NotValidf("concurrent change to job %q", id)
		}
		j.Data = &root
		return nil
	})
	return job, errors.Trace(err)
}
