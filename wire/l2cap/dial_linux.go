//go:build linux

package l2cap

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kernel socket option for struct bt_security (include/net/bluetooth/bluetooth.h)
const (
	solBluetooth = 274
	btSecurity   = 4
)

const recvBufferSize = 1024

// DialConfig describes an LE connection on the fixed ATT channel
type DialConfig struct {
	Adapter  string // local address, empty for any adapter
	Addr     string
	AddrType AddrType
	Security SecurityLevel
}

// SeqPacketChannel is a kernel L2CAP SOCK_SEQPACKET socket; each read
// returns exactly one ATT PDU.
type SeqPacketChannel struct {
	f *os.File
}

// Dial opens an L2CAP LE connection to cfg.Addr on CID 4
func Dial(ctx context.Context, cfg DialConfig) (*SeqPacketChannel, error) {
	dst, err := ParseAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}
	var src [6]byte
	if cfg.Adapter != "" {
		if src, err = ParseAddr(cfg.Adapter); err != nil {
			return nil, err
		}
	}
	if cfg.AddrType == 0 {
		cfg.AddrType = AddrLEPublic
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, errors.Wrap(err, "l2cap: socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrL2{
		CID:      ChannelATT,
		Addr:     src,
		AddrType: uint8(AddrLEPublic),
	}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "l2cap: bind")
	}

	sec := string([]byte{byte(cfg.Security), 0})
	if err := unix.SetsockoptString(fd, solBluetooth, btSecurity, sec); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "l2cap: set security level")
	}

	// The socket is non-blocking so the runtime poller can interrupt Recv on
	// Close; connect completes asynchronously and is awaited in waitConnect.
	err = unix.Connect(fd, &unix.SockaddrL2{
		CID:      ChannelATT,
		Addr:     dst,
		AddrType: uint8(cfg.AddrType),
	})
	if err == unix.EINPROGRESS {
		err = waitConnect(ctx, fd)
	}
	if err != nil {
		unix.Close(fd)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrapf(err, "l2cap: connect %s", cfg.Addr)
	}

	return &SeqPacketChannel{f: os.NewFile(uintptr(fd), "l2cap-att:"+cfg.Addr)}, nil
}

// connectPollInterval bounds how long a pending connect goes unchecked
// against ctx
const connectPollInterval = 100 // ms

// waitConnect waits for a non-blocking connect on fd to finish and returns
// its result, or ctx's error once ctx is done.
func waitConnect(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, connectPollInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return errors.Wrap(err, "getsockopt SO_ERROR")
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

// Send writes one PDU
func (c *SeqPacketChannel) Send(pdu []byte) error {
	if _, err := c.f.Write(pdu); err != nil {
		return errors.Wrap(err, "l2cap: write")
	}
	return nil
}

// Recv reads one PDU
func (c *SeqPacketChannel) Recv() ([]byte, error) {
	buf := make([]byte, recvBufferSize)
	n, err := c.f.Read(buf)
	if err != nil {
		return nil, errors.Wrap(err, "l2cap: read")
	}
	return buf[:n], nil
}

// Close closes the socket
func (c *SeqPacketChannel) Close() error {
	return c.f.Close()
}
