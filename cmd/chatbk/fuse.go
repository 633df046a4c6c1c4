// cmd/chatbk/fuse.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Read-only access to backups via FUSE.

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/chatbk/backup"
	"github.com/mmp/chatbk/storage"
	"golang.org/x/net/context"
)

type namedBackup struct {
	name string
	rd   *backup.Reader
}

// mount exports the given backups as a FUSE filesystem. The top level has
// a directory for each backup, named as it was on the command line, and
// below that a directory for each dialog.
func mount(args []string) {
	flags := flag.NewFlagSet("mount", flag.ExitOnError)
	t := addTargetFlags(flags)
	parseFlags(flags, args)
	if flags.NArg() < 2 {
		usage()
	}
	cfg := offlineConfig(*t.cfgFn)
	ctx := context.Background()

	var nb []namedBackup
	for _, arg := range flags.Args()[1:] {
		rd, err := t.open(ctx, cfg, arg)
		log.CheckError(err, arg)
		nb = append(nb, namedBackup{name: dirName(arg), rd: rd})
	}
	mountFUSE(flags.Arg(0), nb)
}

func mountFUSE(dir string, nb []namedBackup) {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("chatbkfs"),
		fuse.Subtype("chatbkfs"),
		fuse.VolumeName("chat backups"),
		fuse.ReadOnly(),
	)
	log.CheckError(err)
	defer conn.Close()

	root := &pseudoDir{}
	for _, b := range nb {
		root.entries = append(root.entries, &backupDir{name: b.name, rd: b.rd})
	}
	log.CheckError(fs.Serve(conn, root))

	<-conn.Ready
	if err := conn.MountError; err != nil {
		log.CheckError(err)
	}
}

// dirName maps ids to something usable as a path component.
func dirName(id string) string {
	return strings.NewReplacer("/", "_", "\x00", "_").Replace(id)
}

// pseudoDir is the root of the filesystem: one directory per backup.
type pseudoDir struct {
	entries []*backupDir
}

func (pd *pseudoDir) Root() (fs.Node, error) {
	return pd, nil
}

func (pd *pseudoDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

func (pd *pseudoDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, e := range pd.entries {
		if e.name == name {
			return e, nil
		}
	}
	return nil, fuse.ENOENT
}

func (pd *pseudoDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, e := range pd.entries {
		de = append(de, fuse.Dirent{Name: e.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// backupDir holds a directory for each dialog in a backup.
type backupDir struct {
	name string
	rd   *backup.Reader

	mu      sync.Mutex
	dialogs map[string]*dialogDir
}

func (b *backupDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	if to := b.rd.Model.Period.To; to != 0 {
		a.Mtime = time.Unix(to, 0)
	}
	return nil
}

func (b *backupDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialogs == nil {
		b.dialogs = make(map[string]*dialogDir)
		for _, id := range b.rd.DialogIDs() {
			b.dialogs[dirName(id)] = &dialogDir{id: id, rd: b.rd}
		}
	}
	if d, ok := b.dialogs[name]; ok {
		return d, nil
	}
	return nil, fuse.ENOENT
}

func (b *backupDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, id := range b.rd.DialogIDs() {
		de = append(de, fuse.Dirent{Name: dirName(id), Type: fuse.DT_Dir})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// dialogDir holds a dialog's entity profiles, its messages as text, and a
// media directory. Everything is read from storage on first access.
type dialogDir struct {
	id string
	rd *backup.Reader

	once  sync.Once
	err   error
	files map[string]*staticFile
	media *mediaDir
}

func (d *dialogDir) load(ctx context.Context) error {
	d.once.Do(func() {
		d.err = d.read(ctx)
		if d.err != nil {
			log.Error("%s: %v", d.id, d.err)
		}
	})
	return d.err
}

func (d *dialogDir) read(ctx context.Context) error {
	dd, err := d.rd.Dialog(ctx, d.id)
	if err != nil {
		return err
	}
	ents, err := d.rd.Entities(ctx, dd)
	if err != nil {
		return err
	}

	var msgs bytes.Buffer
	d.media = &mediaDir{backend: d.rd.Backend()}
	err = d.rd.Messages(ctx, dd, func(m backup.Message) error {
		writeMessage(&msgs, m, ents)
		if m.Media != nil && m.Media.Downloaded {
			d.media.files = append(d.media.files, &mediaFile{
				name:    mediaName(m),
				date:    time.Unix(m.Date, 0),
				media:   m.Media,
				backend: d.media.backend,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	entity, err := json.MarshalIndent(dd.Entity, "", " ")
	if err != nil {
		return err
	}
	entities, err := json.MarshalIndent(ents, "", " ")
	if err != nil {
		return err
	}
	d.files = map[string]*staticFile{
		"entity.json":   {entity},
		"entities.json": {entities},
		"messages.txt":  {msgs.Bytes()},
	}
	return nil
}

func (d *dialogDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

func (d *dialogDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if err := d.load(ctx); err != nil {
		return nil, fuse.EIO
	}
	if name == "media" {
		return d.media, nil
	}
	if f, ok := d.files[name]; ok {
		return f, nil
	}
	return nil, fuse.ENOENT
}

func (d *dialogDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	if err := d.load(ctx); err != nil {
		return nil, fuse.EIO
	}
	de := []fuse.Dirent{{Name: "media", Type: fuse.DT_Dir}}
	for name := range d.files {
		de = append(de, fuse.Dirent{Name: name, Type: fuse.DT_File})
	}
	sort.Slice(de, func(i, j int) bool { return de[i].Name < de[j].Name })
	return de, nil
}

// writeMessage formats a message as a line of text.
func writeMessage(w io.Writer, m backup.Message, ents backup.EntityRecord) {
	from := m.From
	if e, ok := ents[m.From]; ok && e.Name != "" {
		from = e.Name
	}
	fmt.Fprintf(w, "[%d] %s %s:", m.ID, time.Unix(m.Date, 0).UTC().Format(time.DateTime), from)
	if m.ReplyTo != 0 {
		fmt.Fprintf(w, " (reply to %d)", m.ReplyTo)
	}
	if m.Text != "" {
		fmt.Fprintf(w, " %s", m.Text)
	}
	if m.Media != nil {
		fmt.Fprintf(w, " <%s", m.Media.Type)
		if m.Media.Downloaded {
			fmt.Fprintf(w, " media/%s", mediaName(m))
		}
		fmt.Fprint(w, ">")
	}
	fmt.Fprintln(w)
}

func mediaName(m backup.Message) string {
	name := m.Media.FileName
	if name == "" {
		name = m.Media.Type
	}
	return strconv.FormatInt(m.ID, 10) + "-" + dirName(name)
}

///////////////////////////////////////////////////////////////////////////

type staticFile struct {
	data []byte
}

func (f *staticFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0400
	a.Size = uint64(len(f.data))
	return nil
}

func (f *staticFile) ReadAll(ctx context.Context) ([]byte, error) {
	return f.data, nil
}

type mediaDir struct {
	backend storage.Backend
	files   []*mediaFile
}

func (md *mediaDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

func (md *mediaDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, f := range md.files {
		if f.name == name {
			return f, nil
		}
	}
	return nil, fuse.ENOENT
}

func (md *mediaDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, f := range md.files {
		de = append(de, fuse.Dirent{Name: f.name, Type: fuse.DT_File})
	}
	return de, nil
}

// mediaFile is downloaded media; its contents are read from storage on
// each open.
type mediaFile struct {
	name    string
	date    time.Time
	media   *backup.Media
	backend storage.Backend
}

func (f *mediaFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0400
	a.Size = uint64(f.media.Stored)
	if f.media.Stored == 0 {
		a.Size = uint64(len(f.media.Contents))
	}
	a.Mtime = f.date
	return nil
}

func (f *mediaFile) ReadAll(ctx context.Context) ([]byte, error) {
	r, err := f.media.NewReader(ctx, f.backend)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	return b, r.Close()
}
