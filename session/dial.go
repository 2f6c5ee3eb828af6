package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/user/gattlink/wire/att"
	"github.com/user/gattlink/wire/l2cap"
)

// Dial connects to a peripheral over an L2CAP LE socket and opens a session
func Dial(ctx context.Context, cfg l2cap.DialConfig, opts ...Option) (*Session, error) {
	ch, err := l2cap.Dial(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(att.ErrChannelUnavailable, err.Error())
	}
	return Open(ctx, ch, opts...)
}
