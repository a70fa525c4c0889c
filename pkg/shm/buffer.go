package shm

import "fmt"

// Buffer is a consumer handle to bytes inside one pool region. It stays
// valid until the owning pool is closed.
type Buffer struct {
	pool   *Pool
	Index  int
	Offset int
	Len    int
}

// Pool returns the owning pool.
func (b Buffer) Pool() *Pool {
	return b.pool
}

// Valid reports whether the handle points at a live pool.
func (b Buffer) Valid() bool {
	return b.pool != nil && !b.pool.closed.Load()
}

// Bytes returns the buffer contents, or nil once the pool is closed.
func (b Buffer) Bytes() []byte {
	if !b.Valid() {
		return nil
	}
	return b.pool.mem.Addr[b.Offset : b.Offset+b.Len]
}

func (b Buffer) String() string {
	if b.pool == nil {
		return "buffer(nil)"
	}
	return fmt.Sprintf("buffer(%s#%d off=%d len=%d)", b.pool.opts.Name, b.Index, b.Offset, b.Len)
}
