package broker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// rendezvousMsgLen bounds the single datagram a channel carries.
const rendezvousMsgLen = 1024

// RendezvousSuccess is the canonical payload. Receipt of any datagram is
// treated as a success signal; the content is not interpreted.
const RendezvousSuccess = "SUCCESS"

// Rendezvous is a disposable, filesystem-addressed, single-shot wait/notify
// primitive over a unix datagram socket. One waiter, one notifier, one
// message, no queuing, no retry. The waiter must Acquire (bind) before the
// notifier sends or the datagram is lost.
type Rendezvous struct {
	path string
	dir  string
	conn *net.UnixConn
}

// NewRendezvous allocates a fresh, process-unique socket address. The address
// is not bound until Acquire.
func NewRendezvous() (*Rendezvous, error) {
	dir, err := os.MkdirTemp("", "rdv-")
	if err != nil {
		return nil, fmt.Errorf("could not create rendezvous dir: %w", err)
	}

	// sun_path is limited to ~100 bytes, keep the name short
	name := uuid.NewString()[:13] + ".sock"

	return &Rendezvous{
		path: filepath.Join(dir, name),
		dir:  dir,
	}, nil
}

// Path is the address a notifier sends to.
func (r *Rendezvous) Path() string {
	return r.path
}

// Acquire binds the socket address. This is the point after which a notify
// can be delivered.
func (r *Rendezvous) Acquire() error {
	addr, err := net.ResolveUnixAddr("unixgram", r.path)
	if err != nil {
		return fmt.Errorf("could not resolve rendezvous address %s: %w", r.path, err)
	}

	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("could not bind rendezvous socket %s: %w", r.path, err)
	}

	r.conn = conn

	return nil
}

// Wait performs the single blocking receive. It returns nil when a datagram
// arrives and ErrTimeout when the deadline passes first. Acquire must have
// succeeded.
func (r *Rendezvous) Wait(timeout time.Duration) error {
	if r.conn == nil {
		return fmt.Errorf("rendezvous %s was not acquired", r.path)
	}

	if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("could not set rendezvous deadline: %w", err)
	}

	buf := make([]byte, rendezvousMsgLen)
	if _, _, err := r.conn.ReadFromUnix(buf); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: no notify on %s within %s", ErrTimeout, r.path, timeout)
		}
		return fmt.Errorf("rendezvous receive failed: %w", err)
	}

	return nil
}

// Release closes the socket and unlinks the address. Safe to call on every
// exit path, including when Acquire never ran or no peer ever connected.
func (r *Rendezvous) Release() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	os.Remove(r.path)
	os.Remove(r.dir)
}

// NotifyRendezvous performs the one-shot, fire-and-forget send to a waiter's
// address. Delivery fails if no waiter is bound; the caller decides what to do
// with the orphaned address.
func NotifyRendezvous(path, msg string) error {
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return fmt.Errorf("could not resolve waiter address %s: %w", path, err)
	}

	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return fmt.Errorf("could not dial waiter at %s: %w", path, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("could not deliver notify to %s: %w", path, err)
	}

	return nil
}
