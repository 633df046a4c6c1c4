// pointer/redis.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pointer

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	u "github.com/mmp/chatbk/util"
	"github.com/redis/go-redis/v9"
)

//go:embed publish.lua
var publishScript string

// Redis is a Service backed by a Redis hash per name. The sequence check
// and the update happen in one Lua script, so concurrent publishers from
// different processes can't both win.
type Redis struct {
	client *redis.Client
	prefix string
	script *redis.Script
	log    *u.Logger
}

func NewRedis(client *redis.Client, prefix string, log *u.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		script: redis.NewScript(publishScript),
		log:    log,
	}
}

func (r *Redis) key(name string) string {
	return r.prefix + "ptr:" + name
}

func (r *Redis) Resolve(ctx context.Context, name string) (Revision, error) {
	b, err := r.client.HGet(ctx, r.key(name), "rev").Bytes()
	if err == redis.Nil {
		return Revision{}, fmt.Errorf("%s: %w", name, ErrNoValue)
	} else if err != nil {
		r.log.Error("redis HGET %s failed: %s", r.key(name), err)
		return Revision{}, fmt.Errorf("resolve %s: %w", name, err)
	}

	var rev Revision
	if err := cbor.Unmarshal(b, &rev); err != nil {
		return Revision{}, fmt.Errorf("%s: %w", name, err)
	}
	if err := rev.Verify(); err != nil {
		return Revision{}, err
	}
	r.log.Debug("redis resolve %s", rev)
	return rev, nil
}

func (r *Redis) Publish(ctx context.Context, rev Revision) error {
	if err := rev.Verify(); err != nil {
		return err
	}
	b, err := cbor.Marshal(rev)
	if err != nil {
		return err
	}

	res, err := r.script.Run(ctx, r.client, []string{r.key(rev.Name)},
		strconv.FormatUint(rev.Seq, 10), b, []byte(rev.Key)).Int()
	if err != nil {
		r.log.Error("redis publish %s failed: %s", rev, err)
		return fmt.Errorf("publish %s: %w", rev, err)
	}
	switch res {
	case 1:
		r.log.Debug("redis publish %s", rev)
		return nil
	case -1:
		return fmt.Errorf("%s: signed by a different key: %w", rev, ErrBadSignature)
	default:
		return fmt.Errorf("%s: %w", rev, ErrConflict)
	}
}
