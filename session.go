package mux

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// Session is one mux connection, correlating concurrent Dispatch and
// Ping calls against a single underlying duplex byte stream by tag.
// A Session is safe for concurrent use by multiple goroutines; it does
// not pool connections or retry a failed dispatch — see New.
type Session struct {
	conn    net.Conn
	bw      *bufio.Writer
	writeMu sync.Mutex

	state *sessionState

	// Timeout bounds every individual blocking write and every
	// individual blocking read the leader performs on conn. Zero
	// disables it. It does not bound a whole Dispatch/Ping call (the
	// reply may legitimately arrive after many other frames have been
	// read for other tags); it only guards against one stuck syscall.
	Timeout time.Duration
}

// New wraps an already-connected net.Conn in a Session. The caller is
// responsible for any handshake (such as a Tinit/Rinit exchange) prior
// to calling New; this module does not perform version negotiation on
// the caller's behalf.
func New(conn net.Conn) (*Session, error) {
	s := &Session{
		conn:  conn,
		bw:    bufio.NewWriter(conn),
		state: newSessionState(),
	}
	s.state.reader = bufio.NewReader(conn)
	return s, nil
}

// Close closes the underlying connection and marks the session
// closed. Any dispatch in flight will observe ErrClosed or an I/O
// error, whichever it encounters first.
func (s *Session) Close() error {
	s.state.mu.Lock()
	s.state.lifecycle = lifecycleClosed
	s.state.mu.Unlock()
	return s.conn.Close()
}

// Err reports the reason the session became unusable, or nil if it is
// still accepting dispatches.
func (s *Session) Err() error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.checkOk()
}

// Dispatch sends req as a Tdispatch and blocks for the matching
// Rdispatch. It is safe to call concurrently from many goroutines; a
// tag is allocated and released internally per call.
func (s *Session) Dispatch(req Tdispatch) (Rdispatch, error) {
	ticket, err := s.dispatchAsync(req)
	if err != nil {
		return Rdispatch{}, err
	}
	return ticket.Wait()
}

// Ping round-trips a Tping/Rping exchange and reports how long the
// peer took to answer.
func (s *Session) Ping() (time.Duration, error) {
	id, err := s.state.nextID()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := s.dispatchWrite(id, Tping{}); err != nil {
		return 0, err
	}

	msg, err := s.awaitReply(id)
	if err != nil {
		return 0, err
	}
	if _, ok := msg.Frame.(Rping); !ok {
		return 0, s.abortProto(fmt.Sprintf("received invalid reply for ping: %s", msg.Frame.Kind()))
	}
	return time.Since(start), nil
}

// Ticket is a handle to a Tdispatch that has been written to the wire
// but whose reply has not necessarily arrived yet. Session.Dispatch is
// built on top of it; it is exposed internally so a future
// non-blocking API has somewhere to stand.
type Ticket struct {
	session *Session
	tag     uint32
}

// dispatchAsync writes req to the wire and returns immediately with a
// Ticket for the in-flight exchange, without waiting for the reply.
func (s *Session) dispatchAsync(req Tdispatch) (*Ticket, error) {
	id, err := s.state.nextID()
	if err != nil {
		return nil, err
	}
	if err := s.dispatchWrite(id, req); err != nil {
		return nil, err
	}
	return &Ticket{session: s, tag: id}, nil
}

// Wait blocks until t's reply has arrived and returns it.
func (t *Ticket) Wait() (Rdispatch, error) {
	msg, err := t.session.awaitReply(t.tag)
	if err != nil {
		return Rdispatch{}, err
	}
	switch f := msg.Frame.(type) {
	case Rdispatch:
		return f, nil
	case Rerr:
		return Rdispatch{}, fmt.Errorf("mux: %s", f.Msg)
	default:
		return Rdispatch{}, t.session.abortProto(fmt.Sprintf("unexpected frame in reply: %s", f.Kind()))
	}
}

// Discard abandons t and tells the peer, via Tdiscarded, that it no
// longer needs to finish producing a reply. The tag is NOT released
// immediately: it stays reserved until the server's reply is observed
// and dropped, or the session aborts, so the id can never be handed to
// a new dispatch while a reply for it might still be in flight. If the
// reply already arrived before Discard ran, it is dropped right away.
func (t *Ticket) Discard(reason string) error {
	s := t.session

	s.state.mu.Lock()
	if slot, ok := s.state.slots[t.tag]; ok {
		if slot.msg != nil {
			// The reply was already delivered to this slot by some
			// other leader; observe and drop it now instead of
			// waiting for a frame that will never arrive.
			s.state.releaseIDLocked(t.tag)
		} else {
			slot.phase = slotDiscarded
			slot.msg = nil
		}
	}
	s.state.mu.Unlock()

	if err := s.writeMessage(Message{
		Tag:   Tag{End: true, ID: 0},
		Frame: Tdiscarded{ID: t.tag, Msg: reason},
	}); err != nil {
		s.state.releaseID(t.tag)
		return err
	}
	return nil
}

// dispatchWrite writes one tagged frame to the wire and, on failure,
// releases the tag it was allocated under — a half-written request is
// not worth retrying on the same tag.
func (s *Session) dispatchWrite(id uint32, frame MessageFrame) error {
	msg := Message{Tag: Tag{End: true, ID: id}, Frame: frame}
	if err := s.writeMessage(msg); err != nil {
		s.state.releaseID(id)
		return err
	}
	return nil
}

// writeMessage serializes and flushes msg under the write mutex. The
// write mutex is always acquired independently of the session-state
// mutex and is never held while blocking on a wire read.
func (s *Session) writeMessage(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Timeout != 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.Timeout)); err != nil {
			return fmt.Errorf("mux: setting write deadline: %w", err)
		}
		defer func() {
			if err := s.conn.SetWriteDeadline(time.Time{}); err != nil {
				log.Println("mux: write deadline got stuck:", err)
			}
		}()
	}

	if err := WriteMessage(s.bw, msg); err != nil {
		return fmt.Errorf("mux: writing message: %w", err)
	}
	return s.bw.Flush()
}

// awaitReply blocks until tag id's reply has been delivered to its
// slot. The calling goroutine either finds the shared reader
// available and leads the read loop itself, or parks as a follower
// until the current leader wakes it — either with the reply itself,
// or by electing it the new leader.
func (s *Session) awaitReply(id uint32) (Message, error) {
	for {
		s.state.mu.Lock()
		slot, ok := s.state.slots[id]
		if !ok {
			// Another goroutine already completed and released this
			// tag; nothing further to wait for.
			s.state.mu.Unlock()
			return Message{}, fmt.Errorf("mux: tag %d no longer tracked", id)
		}

		switch slot.phase {
		case slotPoisoned:
			err := slot.err
			s.state.releaseIDLocked(id)
			s.state.mu.Unlock()
			return Message{}, err

		case slotPacket:
			if slot.msg != nil {
				msg := *slot.msg
				s.state.releaseIDLocked(id)
				s.state.mu.Unlock()
				return msg, nil
			}
			if s.state.reader != nil {
				reader := s.state.reader
				s.state.reader = nil
				s.state.mu.Unlock()
				return s.readLoop(id, reader)
			}
			wake := make(chan struct{})
			slot.wake = wake
			slot.phase = slotWaiting
			s.state.mu.Unlock()
			<-wake
			// Either woken with a delivered packet, or elected
			// leader (phase reset to slotPacket with msg == nil):
			// loop around and re-check under the lock.

		default: // slotWaiting: a caller only ever parks on its own wake channel
			s.state.mu.Unlock()
			panic("mux: awaitReply re-entered on a still-waiting slot")
		}
	}
}

// readLoop is the shared demultiplexing loop. Exactly one goroutine
// runs it at a time; it reads frames off reader until it finds the
// one tagged id, routing every other frame to its owning slot (or
// handling it as session control), then hands the reader back and
// returns.
func (s *Session) readLoop(id uint32, reader io.Reader) (Message, error) {
	for {
		if s.Timeout != 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.Timeout)); err != nil {
				wrapped := fmt.Errorf("mux: setting read deadline: %w", err)
				s.state.mu.Lock()
				s.state.abortSession(wrapped)
				s.state.reader = reader
				s.state.mu.Unlock()
				return Message{}, wrapped
			}
		}

		msg, err := ReadMessage(reader)
		if err != nil {
			wrapped := fmt.Errorf("mux: reading from peer: %w", err)
			s.state.mu.Lock()
			s.state.abortSession(wrapped)
			s.state.reader = reader
			s.state.mu.Unlock()
			return Message{}, wrapped
		}

		if msg.Tag.ID == id {
			s.state.mu.Lock()
			s.state.electLeader()
			s.state.releaseIDLocked(id)
			s.state.reader = reader
			s.state.mu.Unlock()
			return msg, nil
		}

		s.state.mu.Lock()
		if slot, ok := s.state.slots[msg.Tag.ID]; ok {
			if slot.phase == slotDiscarded {
				// The caller abandoned this tag; the reply has now
				// been observed, so drop it and free the id.
				s.state.releaseIDLocked(msg.Tag.ID)
				s.state.mu.Unlock()
				continue
			}
			wasWaiting := slot.phase == slotWaiting
			wake := slot.wake
			slot.phase = slotPacket
			packet := msg
			slot.msg = &packet
			s.state.mu.Unlock()
			if wasWaiting {
				close(wake)
			}
			continue
		}

		switch f := msg.Frame.(type) {
		case Tlease:
			_ = f
			if msg.Tag.ID == 0 {
				s.state.mu.Unlock()
				continue
			}
			reason := errUnmatchedTag(msg.Tag.ID)
			s.state.abortSession(reason)
			s.state.reader = reader
			s.state.mu.Unlock()
			return Message{}, reason

		case Tping:
			s.state.mu.Unlock()
			if perr := s.writeMessage(Message{Tag: Tag{End: true, ID: msg.Tag.ID}, Frame: Rping{}}); perr != nil {
				s.state.mu.Lock()
				s.state.abortSession(perr)
				s.state.reader = reader
				s.state.mu.Unlock()
				return Message{}, perr
			}
			continue

		case Tdrain:
			s.state.drain()
			s.state.mu.Unlock()
			continue

		default:
			reason := errUnexpectedKind(msg.Frame.Kind())
			s.state.abortSession(reason)
			s.state.reader = reader
			s.state.mu.Unlock()
			return Message{}, reason
		}
	}
}

// abortProto poisons the session with a ProtocolError built from msg.
func (s *Session) abortProto(msg string) error {
	reason := ProtocolError(msg)
	s.state.mu.Lock()
	s.state.abortSession(reason)
	s.state.mu.Unlock()
	return reason
}
