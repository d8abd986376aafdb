package bufpool

// Pool is a strongly typed wrapper around sync.Pool for byte buffers used on
// response-read paths. Buffers that grow beyond the retention cap are dropped
// on Put() rather than pooled, so one pathological response cannot pin a large
// allocation for the lifetime of the process.
//
// Example:
//   pool := New(64*1024, 1<<20)
//   buf := pool.Get()
//   defer pool.Put(buf)
//   _, err := io.Copy(buf, resp.Body)

import (
	"bytes"
	"sync"
)

type Pool struct {
	pool      sync.Pool
	maxRetain int
}

// New creates a buffer pool. initialCap sizes fresh buffers; maxRetain is the
// largest buffer Put() will keep (0 means retain everything).
func New(initialCap, maxRetain int) *Pool {
	if initialCap < 0 {
		initialCap = 0
	}
	return &Pool{
		maxRetain: maxRetain,
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialCap))
			},
		},
	}
}

func (p *Pool) Get() *bytes.Buffer {
	//nolint:forcetypeassert // pool only ever holds *bytes.Buffer
	return p.pool.Get().(*bytes.Buffer)
}

func (p *Pool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if p.maxRetain > 0 && buf.Cap() > p.maxRetain {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
