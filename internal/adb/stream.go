package adb

import (
	"errors"
	"io"
	"net"
	"time"
)

// Stream is one open service on a Session. Only one stream per session is
// expected to be active at a time.
type Stream struct {
	session  *Session
	localID  uint32
	remoteID uint32

	pending []byte
	eof     bool
	closed  bool
}

// Read returns data written by the daemon, acknowledging each WRTE.
// It returns io.EOF once the daemon closes the stream.
func (st *Stream) Read(p []byte) (int, error) {
	if len(st.pending) > 0 {
		n := copy(p, st.pending)
		st.pending = st.pending[n:]
		return n, nil
	}
	if st.eof || st.closed {
		return 0, io.EOF
	}

	conn := st.session.conn
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return 0, err
		}
		if msg.Arg1 != st.localID {
			continue
		}
		switch msg.Command {
		case CmdWRTE:
			if err := WriteMessage(conn, Message{Command: CmdOKAY, Arg0: st.localID, Arg1: st.remoteID}); err != nil {
				return 0, err
			}
			n := copy(p, msg.Payload)
			st.pending = msg.Payload[n:]
			return n, nil
		case CmdCLSE:
			st.eof = true
			return 0, io.EOF
		}
	}
}

// ReadOnce performs a single best-effort read of up to size bytes within
// timeout. A short, empty or timed-out read is not an error.
func (st *Stream) ReadOnce(size int, timeout time.Duration) ([]byte, error) {
	st.session.conn.SetReadDeadline(time.Now().Add(timeout))
	defer st.session.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, size)
	n, err := st.Read(buf)
	if errors.Is(err, io.EOF) || isTimeout(err) {
		err = nil
	}
	return buf[:n], err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ReadAll collects output until the daemon closes the stream or timeout
// elapses. Reaching the timeout is not an error; the output gathered so far
// is returned.
func (st *Stream) ReadAll(timeout time.Duration) ([]byte, error) {
	st.session.conn.SetReadDeadline(time.Now().Add(timeout))
	defer st.session.conn.SetReadDeadline(time.Time{})

	out, err := io.ReadAll(st)
	if isTimeout(err) {
		err = nil
	}
	return out, err
}

// Close sends CLSE for the stream. Closing after the daemon has already
// closed, or on a closed session, is a no-op.
func (st *Stream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	if st.eof || st.session.isClosed() {
		return nil
	}
	st.session.conn.SetWriteDeadline(time.Now().Add(st.session.config.IOTimeout))
	defer st.session.conn.SetWriteDeadline(time.Time{})
	return WriteMessage(st.session.conn, Message{Command: CmdCLSE, Arg0: st.localID, Arg1: st.remoteID})
}
