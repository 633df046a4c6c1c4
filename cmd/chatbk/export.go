// cmd/chatbk/export.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mmp/chatbk/backup"
	"github.com/mmp/chatbk/chat"
	"github.com/mmp/chatbk/storage"
	u "github.com/mmp/chatbk/util"
)

type exportedDialog struct {
	ID       string              `json:"id"`
	Entity   chat.Entity         `json:"entity"`
	Entities backup.EntityRecord `json:"entities"`
	Messages []backup.Message    `json:"messages"`
}

type exportedBackup struct {
	Root    storage.Hash     `json:"root"`
	Period  backup.Period    `json:"period"`
	Dialogs []exportedDialog `json:"dialogs"`
}

// exportBackup decrypts a backup and writes it to stdout as JSON. With --media,
// downloaded media is written to files under that directory instead of
// being included inline.
func exportBackup(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	t := addTargetFlags(fs)
	mediaDir := fs.String("media", "", "directory to write media files to")
	parseFlags(fs, args)
	if fs.NArg() != 1 {
		usage()
	}
	cfg := offlineConfig(*t.cfgFn)
	ctx := context.Background()

	rd, err := t.open(ctx, cfg, fs.Arg(0))
	log.CheckError(err)

	out := exportedBackup{Root: rd.Root, Period: rd.Model.Period}
	for _, id := range rd.DialogIDs() {
		d, err := rd.Dialog(ctx, id)
		log.CheckError(err, id)
		ed := exportedDialog{ID: id, Entity: d.Entity}
		ed.Entities, err = rd.Entities(ctx, d)
		log.CheckError(err, id)

		err = rd.Messages(ctx, d, func(m backup.Message) error {
			if m.Media != nil && m.Media.Downloaded && *mediaDir != "" {
				if err := writeMedia(ctx, rd.Backend(), filepath.Join(*mediaDir, id), m); err != nil {
					return err
				}
				m.Media.Contents = nil
			}
			ed.Messages = append(ed.Messages, m)
			return nil
		})
		log.CheckError(err, id)
		out.Dialogs = append(out.Dialogs, ed)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", " ")
	log.CheckError(enc.Encode(out))
}

func writeMedia(ctx context.Context, backend storage.Backend, dir string, m backup.Message) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := m.Media.FileName
	if name == "" || !filepath.IsLocal(name) {
		name = m.Media.Type
	}
	fn := filepath.Join(dir, strconv.FormatInt(m.ID, 10)+"-"+filepath.Base(name))

	r, err := m.Media.NewReader(ctx, backend)
	if err != nil {
		return fmt.Errorf("message %d: %w", m.ID, err)
	}
	rr := &u.ReportingReader{R: r, Msg: fn, Log: log}
	defer rr.Close()

	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rr); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", fn, err)
	}
	return f.Close()
}
