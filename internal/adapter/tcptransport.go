package adapter

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// TCPTransport is the production Transport (spec.md §4.4 "production
// transports (TCP, TLS, unix socket)") backing a DuplexAdapter: a
// length-prefixed frame stream over a plain net.Conn.
type TCPTransport struct {
	address string
	dialer  net.Dialer

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	inbound chan Frame
}

// NewTCPTransport constructs a TCPTransport dialing address on Open.
func NewTCPTransport(address string) *TCPTransport {
	return &TCPTransport{address: address, inbound: make(chan Frame, 64)}
}

var _ Transport = (*TCPTransport)(nil)

func (t *TCPTransport) Open(ctx context.Context) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.writer = bufio.NewWriter(conn)
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer close(t.inbound)
	reader := bufio.NewReader(conn)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			return
		}
		t.inbound <- frame
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *TCPTransport) Write(ctx context.Context, frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return fmt.Errorf("tcp transport: not open")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return writeFrame(t.writer, frame)
}

func (t *TCPTransport) Inbound() <-chan Frame { return t.inbound }

// writeFrame encodes a length-prefixed record: correlation id, kind, and
// payload, each length-prefixed in turn.
func writeFrame(w *bufio.Writer, frame Frame) error {
	if err := writeField(w, []byte(frame.CorrelationID)); err != nil {
		return err
	}
	if err := writeField(w, []byte(frame.Kind)); err != nil {
		return err
	}
	if err := writeField(w, frame.Payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeField(w *bufio.Writer, field []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(field)
	return err
}

func readFrame(r *bufio.Reader) (Frame, error) {
	correlationID, err := readField(r)
	if err != nil {
		return Frame{}, err
	}
	kind, err := readField(r)
	if err != nil {
		return Frame{}, err
	}
	payload, err := readField(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{CorrelationID: string(correlationID), Kind: string(kind), Payload: payload}, nil
}

func readField(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
