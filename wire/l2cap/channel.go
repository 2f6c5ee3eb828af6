package l2cap

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/user/gattlink/logger"
)

// ErrClosed is returned by Send and Recv after Close
var ErrClosed = errors.New("l2cap: channel closed")

// Channel is an ordered, reliable, connection-oriented message channel
// carrying one ATT PDU per message. A Recv error is the disconnect
// notification; after it the channel is unusable.
type Channel interface {
	Send(pdu []byte) error
	Recv() ([]byte, error)
	Close() error
}

// StreamChannel carries ATT PDUs over a byte stream (Unix socket, TCP,
// net.Pipe) using basic L2CAP framing on the fixed ATT channel.
// LE signaling commands are answered in place; frames for other channel
// IDs are skipped.
type StreamChannel struct {
	conn    net.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamChannel wraps a connected stream
func NewStreamChannel(conn net.Conn) *StreamChannel {
	return &StreamChannel{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Send writes one ATT PDU as a single frame
func (c *StreamChannel) Send(pdu []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	return c.writeFrame(NewATTPacket(pdu))
}

func (c *StreamChannel) writeFrame(pkt *Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(pkt.Encode()); err != nil {
		return errors.Wrap(err, "l2cap: write")
	}
	return nil
}

// answerSignaling replies to a command from the peer on the LE signaling channel
func (c *StreamChannel) answerSignaling(payload []byte) error {
	reply, params, err := AnswerSignaling(payload)
	switch {
	case params != nil:
		logger.Debug("L2CAP", "📶 Accepted connection parameters (interval %.2fms, latency %d)",
			params.IntervalMaxMs(), params.SlaveLatency)
	case err != nil:
		logger.Debug("L2CAP", "📶 Rejected signaling command: %v", err)
	}
	if reply == nil {
		return nil
	}
	return c.writeFrame(&Packet{ChannelID: ChannelLESignal, Payload: reply})
}

// Recv blocks for the next ATT PDU
func (c *StreamChannel) Recv() ([]byte, error) {
	for {
		pkt, err := ReadPacket(c.conn)
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			return nil, errors.Wrap(err, "l2cap: read")
		}
		if pkt.ChannelID == ChannelLESignal {
			if err := c.answerSignaling(pkt.Payload); err != nil {
				return nil, err
			}
			continue
		}
		if pkt.ChannelID != ChannelATT {
			continue
		}
		return pkt.Payload, nil
	}
}

// Close closes the underlying stream; it is safe to call more than once
func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address of the underlying stream
func (c *StreamChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
