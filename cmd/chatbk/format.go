// cmd/chatbk/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var formatText = `

This document describes how chatbk stores chat backups in enough detail
that a backup could be restored without the chatbk source code. It goes
bottom-up, from the storage layer to the backup representation and the
job table.

# Storage Format

Storage takes chunks of data, stores them, and returns hashes that identify
them. Chunks are hashed with SHAKE256, keeping 32 bytes of output.

The packs/ directory stores pack files, each a series of blobs. Each blob
starts with the 4-byte string "BL0B", then the length of the chunk encoded
with Go's binary.PutVarint, then the chunk's data.

Pack file names are arbitrary. Each pack file has an index file of the same
name in the indices/ directory. Each index entry starts with "Idx2", then
the 32-byte hash of the chunk, then the offset of the blob in the pack file
and the blob's length, both varints. Index files can be rebuilt from the
pack files alone.

The metadata/ directory holds small named records that are written once
and never modified.

With file:// storage, each pack and index file has a Reed-Solomon parity
file next to it, with ".rs" appended to its name. "chatbk parity" checks
and restores files using them. A parity file is the CBOR encoding of:

type File struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][][32]byte // data shards, then parity
	ParityShards               [][]byte
}

Each hash covers HashRate bytes of one shard.

# Compression and Encryption

Every chunk starts with a flag byte: zero if the rest is stored as is, one
if it's zstd-compressed. Compression is only used if it makes the chunk
smaller.

Encryption is applied after compression, so it has to be undone first when
reading. An encrypted chunk is 16 bytes of random salt followed by the
AES-256-CFB ciphertext. The key and IV are the first 32 and next 16 bytes of
PBKDF2-HMAC-SHA256(password, salt) with 10000 iterations.

The metadata record "cipher-check" holds the string "chatbk cipher check
v1" encrypted the same way; a password that doesn't decrypt it to that is
wrong.

Because each chunk gets a new salt, the hash of an encrypted chunk is not
the hash of its plaintext. Records named "toencrypted-<hash>" hold the
32-byte hash of an encrypted chunk whose plaintext is the CBOR encoding of
an array of {Plain, Encrypted} hash pairs. Hashes in backups are always of
plaintext; these pairs map them to the stored chunks.

# Large Data

Media larger than 4096 bytes is split into chunks with a rolling checksum
and identified by a Merkle hash: a 32-byte hash and a level. At level zero
the hash refers to the data itself. At level one its chunk is a series of
32-byte hashes; reading and concatenating their chunks gives the data, and
so forth.

# Blocks

Everything above the storage layer is stored as blocks: values encoded
with CBOR core deterministic encoding and stored as a single chunk. A link
is the 32-byte hash of a block.

# Backups

A backup is identified by the link to its Model:

type Model struct {
	Dialogs map[string]Link // dialog id -> DialogData
	Period  struct{ From, To int64 }
}

Period is in unix seconds; a To of zero means the backup wasn't bounded.

type DialogData struct {
	Entity   Entity
	Entities Link   // map of entity id -> Entity
	Messages []Link // MessageBatches, newest messages first
}

type Entity struct {
	ID, Type, Name string
	Username       string
	Photo          []byte
}

type MessageBatch struct {
	Messages []Message // at most 1000
}

type Message struct {
	ID, Date int64
	From     string // entity id
	Text     string
	ReplyTo  int64
	Media    *Media
}

Media has a Type, and fields describing it that depend on the type
(FileName, MimeType, Size, W, H, Duration, Contact, Geo, Poll, WebPage).
If Downloaded is set, its contents are either in Contents, if they are at
most 4096 bytes, or identified by the Merkle hash Hash. Stored gives the
number of bytes downloaded, which may be less than Size when a smaller
video Variant was saved.

# Pointers and the Job Table

The job table is a block holding a map from job id to job. Its current
link is kept by a pointer: a sequence of signed revisions. Each revision
is the CBOR encoding of

type Revision struct {
	Name  string
	Value [32]byte
	Seq   uint64
	Key   []byte // ed25519 public key
	Sig   []byte
}

where Sig is the ed25519 signature of Name, then Value, then Seq as 8
big-endian bytes. With metadata pointers, revision n is stored in the
record "ptr-<name>-<n>" with n zero-padded to 20 digits; the highest
verified revision is current.

A completed job's "data" is the link to its backup's Model, and its params
give the storage space the backup was written to.

`
