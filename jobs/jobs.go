// jobs/jobs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package jobs tracks backup jobs through their lifecycle. All jobs live
// in one Table that is kept in an objstore.Store, so every state change
// is a read-modify-write of the table through the store's queue.
package jobs

import (
	"context"
	"sort"

	"github.com/juju/errors"
	"github.com/mmp/chatbk/backup"
	"github.com/mmp/chatbk/block"
)

type Status string

const (
	Waiting   Status = "waiting"
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Params describe what a job backs up; they don't change after the job
// is created.
type Params struct {
	Space   string        `json:"space"`
	Dialogs []string      `json:"dialogs"`
	Period  backup.Period `json:"period"`
}

func (p Params) Validate() error {
	if p.Space == "" {
		return errors.NotValidf("empty space")
	}
	if len(p.Dialogs) == 0 {
		return errors.NotValidf("empty dialog list")
	}
	seen := make(map[string]bool)
	for _, d := range p.Dialogs {
		if d == "" || seen[d] {
			return errors.NotValidf("dialog %q", d)
		}
		seen[d] = true
	}
	if p.Period.From < 0 || (p.Period.To != 0 && p.Period.To < p.Period.From) {
		return errors.NotValidf("period %d-%d", p.Period.From, p.Period.To)
	}
	return nil
}

// Job is the record of one backup request. Times are unix milliseconds,
// zero when unset.
type Job struct {
	ID     string `json:"id"`
	User   string `json:"user"`
	Status Status `json:"status"`
	Params Params `json:"params"`
	// In [0, 1]; kept when the job fails.
	Progress float64 `json:"progress"`
	// Link to the backup.Model, once completed.
	Data     *block.Link `json:"data,omitempty" cbor:",omitempty"`
	Cause    string      `json:"cause,omitempty" cbor:",omitempty"`
	Created  int64       `json:"created"`
	Started  int64       `json:"started,omitempty" cbor:",omitempty"`
	Finished int64       `json:"finished,omitempty" cbor:",omitempty"`
	// Incremented each time the job starts running. Updates made on behalf
	// of an earlier attempt are discarded.
	Attempt uint64 `json:"attempt"`
}

// Table holds all jobs by id.
type Table map[string]Job

// Request asks for a queued job to be run.
type Request struct {
	JobID string `json:"job_id"`
}

// Ledger credits users for the storage their backups contribute.
type Ledger interface {
	AddPoints(ctx context.Context, user string, amount float64) error
}

// Dispatcher hands requests to whatever runs them.
type Dispatcher interface {
	Enqueue(ctx context.Context, req Request) error
}

// SessionTracker is told about each running job's chat session. Track
// registers cleanup, which closes the session; the returned release
// function unregisters it and reports whether the caller should still
// close the session itself. Track fails if the tracker won't take new
// sessions.
type SessionTracker interface {
	Track(jobID string, cleanup func()) (release func() bool, err error)
}

// byCreated returns the jobs sorted by creation time and then id.
func byCreated(jobs []Job) []Job {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Created != jobs[j].Created {
			return jobs[i].Created < jobs[j].Created
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}
