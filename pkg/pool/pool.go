// Package pool provides object pooling to reduce GC pressure
package pool

import (
	"bytes"
	"sync"
)

// BufferPool pools *bytes.Buffer for markdown serialization
var BufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a reset buffer from pool
func GetBuffer() *bytes.Buffer {
	b := BufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBuffer returns a buffer to pool
func PutBuffer(b *bytes.Buffer) {
	BufferPool.Put(b)
}
