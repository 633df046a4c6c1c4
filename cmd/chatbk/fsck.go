// cmd/chatbk/fsck.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"flag"

	"github.com/mmp/chatbk/storage"
)

// fsck checks a storage space, or with arguments, the given backups and
// the storage they're in.
func fsck(args []string) {
	fs := flag.NewFlagSet("fsck", flag.ExitOnError)
	t := addTargetFlags(fs)
	parseFlags(fs, args)
	cfg := offlineConfig(*t.cfgFn)
	ctx := context.Background()

	if fs.NArg() == 0 {
		space := *t.space
		if space == "" {
			space = cfg.Store.Space
		}
		backend, err := storage.Open(ctx, space, storage.Options{})
		log.CheckError(err)
		defer backend.Close()
		log.CheckError(backend.Fsck(ctx))
		backend.LogStats()
		return
	}

	for _, arg := range fs.Args() {
		rd, err := t.open(ctx, cfg, arg)
		if err != nil {
			log.Error("%s: %v", arg, err)
			continue
		}
		log.Verbose("%s: checking storage %s", arg, rd.Backend())
		log.CheckError(rd.Backend().Fsck(ctx))
		if err := rd.Fsck(ctx); err != nil {
			log.Error("%s: %v", arg, err)
		} else {
			log.Verbose("%s: %d dialogs ok", arg, len(rd.Model.Dialogs))
		}
		rd.Backend().LogStats()
	}
}
