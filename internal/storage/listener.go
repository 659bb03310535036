package storage

import (
	"sync"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
)

// Op is the kind of row change reported to listeners.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Change describes one row-level write.
type Change struct {
	Op    Op
	Table string
	RowID RowID
}

type listener struct {
	id string
	fn func(Change)
}

type listenerSet struct {
	mu        sync.RWMutex
	listeners []listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{}
}

// fire is the SQLite update hook. It runs on the goroutine executing the
// write, before the statement returns.
func (l *listenerSet) fire(action sqlite3.AuthorizerActionCode, _ string, table string, rowid int64) {
	var o Op
	switch action {
	case sqlite3.AUTH_INSERT:
		o = OpInsert
	case sqlite3.AUTH_UPDATE:
		o = OpUpdate
	case sqlite3.AUTH_DELETE:
		o = OpDelete
	default:
		return
	}
	l.mu.RLock()
	ls := l.listeners
	l.mu.RUnlock()
	ch := Change{Op: o, Table: table, RowID: RowID(rowid)}
	for _, ln := range ls {
		ln.fn(ch)
	}
}

// AddListener registers fn for every row change made through this
// connection and returns an id for RemoveListener. fn runs synchronously
// inside the write and must not use the connection. Changes later rolled
// back are still reported.
func (c *Connection) AddListener(fn func(Change)) string {
	id := uuid.NewString()
	c.listeners.mu.Lock()
	next := make([]listener, len(c.listeners.listeners), len(c.listeners.listeners)+1)
	copy(next, c.listeners.listeners)
	c.listeners.listeners = append(next, listener{id: id, fn: fn})
	c.listeners.mu.Unlock()
	return id
}

// RemoveListener unregisters a listener. It reports whether id was found.
func (c *Connection) RemoveListener(id string) bool {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	for i, ln := range c.listeners.listeners {
		if ln.id == id {
			next := make([]listener, 0, len(c.listeners.listeners)-1)
			next = append(next, c.listeners.listeners[:i]...)
			next = append(next, c.listeners.listeners[i+1:]...)
			c.listeners.listeners = next
			return true
		}
	}
	return false
}
