// cmd/chatbk/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"flag"
	"os"
	"strings"

	"github.com/mmp/chatbk/rdso"
	u "github.com/mmp/chatbk/util"
)

// parity manages the Reed-Solomon parity files that file:// storage keeps
// next to each pack and index, or that can be made for exported backups.
func parity(args []string) {
	if len(args) < 1 {
		usage()
	}
	log = u.NewLogger(true, false)

	switch args[0] {
	case "encode":
		encodeParity(args[1:])
	case "check":
		for _, fn := range args[1:] {
			if err := rdso.CheckFile(fn, fn+".rs", log); err != nil {
				log.Error("%v", err)
			} else {
				log.Verbose("%s: ok", fn)
			}
		}
	case "restore":
		for _, fn := range args[1:] {
			if err := rdso.RestoreFile(fn, fn+".rs", log); err != nil {
				log.Error("%v", err)
			} else {
				log.Print("%s: wrote %s.recovered", fn, fn)
			}
		}
	default:
		usage()
	}
}

func encodeParity(args []string) {
	flags := flag.NewFlagSet("encode", flag.ExitOnError)
	nShards := flags.Int("nshards", rdso.DefaultDataShards, "number of data shards")
	nParity := flags.Int("nparity", rdso.DefaultParityShards, "number of parity shards")
	hashRate := flags.Int64("hashrate", rdso.DefaultHashRate, "chunk size for file hashes")
	parseFlags(flags, args)

	for _, fn := range flags.Args() {
		if strings.HasSuffix(fn, ".rs") {
			log.Warning("%s: skipping parity file", fn)
			continue
		}
		if err := encodeFile(fn, fn+".rs", *nShards, *nParity, *hashRate); err != nil {
			log.Error("%s: %v", fn, err)
			continue
		}
		log.Verbose("%s.rs: created parity file", fn)
	}
}

func encodeFile(fn, rsfn string, nShards, nParity int, hashRate int64) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	out, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	if err := rdso.Encode(f, fi.Size(), out, nShards, nParity, hashRate); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
