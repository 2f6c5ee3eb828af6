//go:build !linux

package l2cap

import (
	"context"

	"github.com/pkg/errors"
)

// DialConfig describes an LE connection on the fixed ATT channel
type DialConfig struct {
	Adapter  string
	Addr     string
	AddrType AddrType
	Security SecurityLevel
}

// SeqPacketChannel is only available on Linux
type SeqPacketChannel struct{}

// Dial is not supported outside Linux
func Dial(ctx context.Context, cfg DialConfig) (*SeqPacketChannel, error) {
	return nil, errors.New("l2cap: LE sockets require linux")
}

func (c *SeqPacketChannel) Send(pdu []byte) error  { return ErrClosed }
func (c *SeqPacketChannel) Recv() ([]byte, error) { return nil, ErrClosed }
func (c *SeqPacketChannel) Close() error          { return nil }
