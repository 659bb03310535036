package webapi

import (
	"errors"
	"io"
	"sync"
)

var errBodyClosed = errors.New("fetch: read on closed body")

// splitBody fans one body out to several readers for cloned responses.
// Bytes are retained only until every open branch has read them.
type splitBody struct {
	mu    sync.Mutex
	src   io.ReadCloser
	buf   []byte
	start int64   // absolute offset of buf[0]
	pos   []int64 // per-branch absolute offset, -1 once closed
	err   error   // sticky source error, io.EOF included
}

type branch struct {
	s *splitBody
	i int
}

func newSplitBody(src io.ReadCloser) *splitBody {
	return &splitBody{src: src}
}

// branchAt opens a branch positioned at offset.
func (s *splitBody) branchAt(offset int64) *branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = append(s.pos, offset)
	return &branch{s: s, i: len(s.pos) - 1}
}

func (b *branch) offset() int64 {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.pos[b.i]
}

func (b *branch) Read(p []byte) (int, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos[b.i] < 0 {
		return 0, errBodyClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := s.start + int64(len(s.buf))
	if s.pos[b.i] == end {
		if s.err != nil {
			return 0, s.err
		}
		tmp := make([]byte, len(p))
		n, err := s.src.Read(tmp)
		s.buf = append(s.buf, tmp[:n]...)
		if err != nil {
			s.err = err
		}
		if n == 0 {
			return 0, err
		}
	}
	off := s.pos[b.i] - s.start
	n := copy(p, s.buf[off:])
	s.pos[b.i] += int64(n)
	s.trim()
	return n, nil
}

func (b *branch) Close() error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos[b.i] < 0 {
		return nil
	}
	s.pos[b.i] = -1
	for _, p := range s.pos {
		if p >= 0 {
			s.trim()
			return nil
		}
	}
	s.buf = nil
	return s.src.Close()
}

// trim drops bytes every open branch has consumed. Caller holds mu.
func (s *splitBody) trim() {
	lowest := int64(-1)
	for _, p := range s.pos {
		if p >= 0 && (lowest < 0 || p < lowest) {
			lowest = p
		}
	}
	if lowest <= s.start {
		return
	}
	drop := lowest - s.start
	s.buf = append([]byte(nil), s.buf[drop:]...)
	s.start = lowest
}

// readCloser pairs a reader with an explicit close function.
type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// closeHook runs fn once, after the wrapped body is closed.
type closeHook struct {
	io.ReadCloser
	once sync.Once
	fn   func()
}

func (c *closeHook) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.fn)
	return err
}
