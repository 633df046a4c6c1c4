// cmd/chatbk/target.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/mmp/chatbk/backup"
	"github.com/mmp/chatbk/config"
	"github.com/mmp/chatbk/jobs"
	"github.com/mmp/chatbk/storage"
)

// target names the backups a command reads: either by root hash, in the
// space given by --space, or by the id of the completed job that made it.
type target struct {
	cfgFn    *string
	space    *string
	password *string
}

func addTargetFlags(fs *flag.FlagSet) *target {
	return &target{
		cfgFn:    fs.String("config", "", "configuration file"),
		space:    fs.String("space", "", "storage space holding the backup"),
		password: fs.String("password", "", "backup password (default store.backup_password)"),
	}
}

func (t *target) open(ctx context.Context, cfg *config.Config, arg string) (*backup.Reader, error) {
	space := *t.space
	root, err := storage.ParseHash(arg)
	if err != nil {
		job, err := lookupJob(ctx, cfg, arg)
		if err != nil {
			return nil, err
		}
		root, space = *job.Data, job.Params.Space
	} else if space == "" {
		return nil, errors.New("--space is required to read a backup by its root")
	}

	password := *t.password
	if password == "" {
		password = cfg.Store.BackupPassword
	}
	if password == "" {
		return nil, errors.New("no backup password; set --password or store.backup_password")
	}
	backend, err := storage.OpenEncrypted(ctx, space, password, storage.Options{})
	if err != nil {
		return nil, err
	}
	return backup.NewReader(ctx, backend, root)
}

// lookupJob reads a completed job from the job table.
func lookupJob(ctx context.Context, cfg *config.Config, id string) (jobs.Job, error) {
	a := &app{cfg: cfg}
	defer a.Close()
	if err := a.openStore(ctx); err != nil {
		return jobs.Job{}, err
	}
	t, err := a.store.Get(ctx)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job table: %w", err)
	}
	job, ok := t[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("%s: no such job or root hash", id)
	}
	if job.Status != jobs.Completed || job.Data == nil {
		return jobs.Job{}, fmt.Errorf("%s: job is %s", id, job.Status)
	}
	return job, nil
}
