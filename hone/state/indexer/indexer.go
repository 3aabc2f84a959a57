package indexer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// ReadIndex takes the argument of a query and returns the sortable index
// value to look up.
type ReadIndex func(arg any) ([]byte, error)

// WriteIndex takes a table object and computes its index value. The bool
// reports whether the object should be indexed at all.
type WriteIndex func(obj any) (bool, []byte, error)

// SingleIndexer adapts a ReadIndex and WriteIndex pair to the memdb indexer
// interfaces so that schema definitions can stay plain functions.
type SingleIndexer struct {
	ReadIndex
	WriteIndex
}

func (s SingleIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("index supports exactly one arg, got %d", len(args))
	}
	return s.ReadIndex(args[0])
}

func (s SingleIndexer) FromObject(obj any) (bool, []byte, error) {
	return s.WriteIndex(obj)
}

// IndexBuilder assembles a sortable byte index from typed components.
type IndexBuilder bytes.Buffer

func (b *IndexBuilder) Bytes() []byte {
	return (*bytes.Buffer)(b).Bytes()
}

// Time writes a nanosecond timestamp such that lexicographic byte order
// matches chronological order, including times before the epoch.
func (b *IndexBuilder) Time(t time.Time) {
	nano := t.UnixNano()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nano)^(1<<63))
	(*bytes.Buffer)(b).Write(buf[:])
}

// String writes a raw string component terminated by a null byte so that
// shorter strings sort before their extensions.
func (b *IndexBuilder) String(s string) {
	(*bytes.Buffer)(b).WriteString(s)
	(*bytes.Buffer)(b).WriteByte(0)
}

// Bool writes a boolean component.
func (b *IndexBuilder) Bool(v bool) {
	if v {
		(*bytes.Buffer)(b).WriteByte(1)
		return
	}
	(*bytes.Buffer)(b).WriteByte(0)
}

// Uint64 writes a big-endian unsigned component.
func (b *IndexBuilder) Uint64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	(*bytes.Buffer)(b).Write(buf[:])
}
