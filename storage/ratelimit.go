// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"io"
	"sync"

	"github.com/juju/ratelimit"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Token buckets for the bytes we are allowed to upload or download given
// the bandwidth limits set by the user, if any. A nil bucket means no
// limit. Readers wrapped by NewLimited{Upload,Download}Reader share the
// bucket, so the limit applies to all transfers in the process.
var (
	bandwidthMutex          sync.Mutex
	uploadBucket            *ratelimit.Bucket
	downloadBucket          *ratelimit.Bucket
	bandwidthLimitsAssigned bool
)

// InitBandwidthLimit sets process-wide upload and download limits in
// bytes per second; zero means unlimited. Only the first call has any
// effect.
func InitBandwidthLimit(uploadBytesPerSecond, downloadBytesPerSecond int) {
	bandwidthMutex.Lock()
	defer bandwidthMutex.Unlock()
	if bandwidthLimitsAssigned {
		log.Warning("bandwidth limits already set; ignoring new ones")
		return
	}
	bandwidthLimitsAssigned = true

	uploadBucket = newBucket(uploadBytesPerSecond)
	downloadBucket = newBucket(downloadBytesPerSecond)
}

func newBucket(bytesPerSecond int) *ratelimit.Bucket {
	if bytesPerSecond <= 0 {
		return nil
	}
	// The 94/100 factor adds some slop to account for TCP/IP overhead and
	// HTTP headers so that the actual bandwidth used doesn't exceed the
	// desired limit. Don't ever queue up more than one second's worth of
	// transmission.
	rate := float64(bytesPerSecond) * 94 / 100
	return ratelimit.NewBucketWithRate(rate, int64(bytesPerSecond))
}

func limited(r io.Reader, b *ratelimit.Bucket) io.Reader {
	if b == nil {
		return r
	}
	return ratelimit.Reader(r, b)
}

func NewLimitedUploadReader(r io.Reader) io.Reader {
	bandwidthMutex.Lock()
	defer bandwidthMutex.Unlock()
	return limited(r, uploadBucket)
}

func NewLimitedDownloadReader(r io.Reader) io.Reader {
	bandwidthMutex.Lock()
	defer bandwidthMutex.Unlock()
	return limited(r, downloadBucket)
}
