package gatt

import (
	"context"

	"github.com/pkg/errors"

	"github.com/user/gattlink/logger"
	"github.com/user/gattlink/wire/att"
)

// subscription delivers values of one characteristic to one channel. The
// channel is the subscriber's identity.
type subscription struct {
	id          uint
	valueHandle uint16
	ch          chan<- Notification
}

// arming tracks the CCCD write of a first subscriber on a handle
type arming struct {
	ch   chan<- Notification
	done chan struct{}
}

// RegisterNotify subscribes ch to notifications or indications of the
// characteristic with the given value handle. The first subscriber on a
// handle writes the CCCD; registering the same (handle, ch) again returns
// the existing id without a descriptor write.
func (c *Client) RegisterNotify(ctx context.Context, valueHandle uint16, ch chan<- Notification) (uint, error) {
	if ch == nil {
		return 0, errors.New("gatt: nil notification channel")
	}

	for {
		if err := c.ready(); err != nil {
			return 0, err
		}

		c.subMu.Lock()
		for _, s := range c.byHandle[valueHandle] {
			if s.ch == ch {
				c.subMu.Unlock()
				return s.id, nil
			}
		}
		if a, busy := c.arming[valueHandle]; busy {
			c.subMu.Unlock()
			if a.ch == ch {
				return 0, errors.Wrapf(ErrAlreadyRegistered, "value handle 0x%04X", valueHandle)
			}
			select {
			case <-a.done:
				continue
			case <-ctx.Done():
				return 0, errors.Wrap(att.ErrCancelled, ctx.Err().Error())
			}
		}
		if len(c.byHandle[valueHandle]) > 0 {
			id := c.addSubscriptionLocked(valueHandle, ch)
			c.subMu.Unlock()
			return id, nil
		}

		a := &arming{ch: ch, done: make(chan struct{})}
		c.arming[valueHandle] = a
		c.subMu.Unlock()

		err := c.enableCCCD(ctx, valueHandle)

		c.subMu.Lock()
		delete(c.arming, valueHandle)
		close(a.done)
		var id uint
		if err == nil {
			id = c.addSubscriptionLocked(valueHandle, ch)
		}
		c.subMu.Unlock()

		c.trace("subscribe", valueHandle, nil, err)
		if err != nil {
			return 0, err
		}
		logger.Debug(c.logPrefix, "🔔 Subscribed to 0x%04X (id %d)", valueHandle, id)
		return id, nil
	}
}

func (c *Client) addSubscriptionLocked(valueHandle uint16, ch chan<- Notification) uint {
	c.nextSubID++
	s := &subscription{id: c.nextSubID, valueHandle: valueHandle, ch: ch}
	c.subs[s.id] = s
	c.byHandle[valueHandle] = append(c.byHandle[valueHandle], s)
	return s.id
}

// cccdFor finds the CCCD of the characteristic with the given value handle
func (c *Client) cccdFor(valueHandle uint16) (*Characteristic, *Descriptor, error) {
	char, _, err := c.db.Characteristic(valueHandle)
	if err != nil {
		return nil, nil, err
	}
	cccd := char.Descriptor(UUIDClientCharacteristicConfig)
	if cccd == nil {
		return char, nil, errors.Wrapf(ErrDescriptorNotFound, "no CCCD for value handle 0x%04X", valueHandle)
	}
	return char, cccd, nil
}

func (c *Client) enableCCCD(ctx context.Context, valueHandle uint16) error {
	char, cccd, err := c.cccdFor(valueHandle)
	if err != nil {
		return err
	}
	value, err := cccdEnableValue(char.Properties)
	if err != nil {
		return errors.Wrapf(err, "value handle 0x%04X", valueHandle)
	}
	return c.writeCCCD(ctx, cccd.Handle, value)
}

func (c *Client) writeCCCD(ctx context.Context, handle uint16, value []byte) error {
	if _, err := c.do(ctx, &att.WriteRequest{Handle: handle, Value: value}); err != nil {
		return err
	}
	c.db.SetValue(handle, value)
	return nil
}

// UnregisterNotify removes a subscription. Unknown ids are ignored. The last
// subscriber on a handle writes the CCCD back to 0x0000.
func (c *Client) UnregisterNotify(ctx context.Context, id uint) error {
	c.subMu.Lock()
	s, ok := c.subs[id]
	if !ok {
		c.subMu.Unlock()
		return nil
	}
	last := c.removeSubscriptionLocked(s)
	c.subMu.Unlock()

	if !last {
		return nil
	}

	_, cccd, err := c.cccdFor(s.valueHandle)
	if err != nil {
		// characteristic already gone from the database
		return nil
	}
	err = c.writeCCCD(ctx, cccd.Handle, EncodeCCCDValue(false, false))
	c.trace("unsubscribe", s.valueHandle, nil, err)
	return err
}

// removeSubscriptionLocked reports whether s was the last subscriber on its handle
func (c *Client) removeSubscriptionLocked(s *subscription) bool {
	delete(c.subs, s.id)
	list := c.byHandle[s.valueHandle]
	for i, other := range list {
		if other == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.byHandle, s.valueHandle)
		return true
	}
	c.byHandle[s.valueHandle] = list
	return false
}

// deliver fans a value out to the subscribers of its handle without blocking
func (c *Client) deliver(n Notification) {
	c.subMu.Lock()
	subs := append([]*subscription{}, c.byHandle[n.ValueHandle]...)
	c.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- n:
		default:
			logger.Warn(c.logPrefix, "⚠️  Subscriber %d is not keeping up, dropped value for 0x%04X", s.id, n.ValueHandle)
		}
	}
}

// rearmSubscriptions runs after a changed range was re-discovered. Handles
// inside the range whose characteristic still exists get their CCCD written
// again; the rest are dropped. Subscriptions outside the range are untouched.
func (c *Client) rearmSubscriptions(ctx context.Context, r handleRange) {
	c.subMu.Lock()
	var handles []uint16
	for h := range c.byHandle {
		if h >= r.start && h <= r.end {
			handles = append(handles, h)
		}
	}
	c.subMu.Unlock()

	for _, h := range handles {
		err := c.enableCCCD(ctx, h)
		if err == nil {
			logger.Debug(c.logPrefix, "🔔 Re-armed subscription on 0x%04X", h)
			continue
		}
		if att.IsFatal(err) {
			return
		}

		logger.Info(c.logPrefix, "🔕 Dropping subscriptions on 0x%04X: %v", h, err)
		c.subMu.Lock()
		for _, s := range c.byHandle[h] {
			delete(c.subs, s.id)
		}
		delete(c.byHandle, h)
		c.subMu.Unlock()
	}
}
