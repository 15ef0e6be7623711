package pool

import (
	"time"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
)

// Pin - причина, по которой соединение удерживается вне пула
type Pin int

const (
	PinNone Pin = iota
	PinRequest
	PinTransaction
	PinPrepared
)

func (p Pin) String() string {
	switch p {
	case PinRequest:
		return "request"
	case PinTransaction:
		return "transaction"
	case PinPrepared:
		return "prepared"
	default:
		return "none"
	}
}

// member is one physical session owned by the pool. It outlives the
// Conn handles issued for it.
type member struct {
	session   adapters.Session
	id        uint64
	createdAt time.Time
	lastUsed  time.Time
}

// Conn is the handle for one acquisition of a pooled session. It is owned
// by a single caller between Acquire and Release; the next Acquire of the
// same session gets a new handle.
type Conn struct {
	pool     *Pool
	m        *member
	pin      Pin
	released bool
}

// Session returns the underlying server session.
func (c *Conn) Session() adapters.Session { return c.m.session }

// ID returns the pool-local connection number. Handles of the same
// physical session share it.
func (c *Conn) ID() uint64 { return c.m.id }

// CreatedAt returns when the session was opened.
func (c *Conn) CreatedAt() time.Time { return c.m.createdAt }

// Pin marks who holds the connection. Informational; cleared on Release.
func (c *Conn) Pin(p Pin) {
	c.pool.mu.Lock()
	if !c.released {
		c.pin = p
	}
	c.pool.mu.Unlock()
}

// Pinned returns the current holder kind.
func (c *Conn) Pinned() Pin {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.pin
}

// Release returns the connection to its pool. A cause classified by
// adapters.IsBroken closes the session instead. Only the first call on a
// handle has an effect, even after the session was handed to another caller.
func (c *Conn) Release(cause error) {
	c.pool.release(c, cause)
}

// Discard closes the session and frees its slot.
func (c *Conn) Discard() {
	c.pool.release(c, adapters.ErrSessionBroken)
}
