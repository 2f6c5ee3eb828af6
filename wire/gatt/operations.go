package gatt

import (
	"context"

	"github.com/pkg/errors"

	"github.com/user/gattlink/logger"
	"github.com/user/gattlink/wire/att"
)

// WriteMode selects the ATT procedure used by WriteValue
type WriteMode int

const (
	// WriteWithResponse uses Write Request, or Prepare/Execute Write for long values
	WriteWithResponse WriteMode = iota
	// WriteWithoutResponse uses Write Command; the value must fit one PDU
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "write-without-response"
	}
	return "write"
}

// ReadValue reads an attribute value. Values that fill a whole response are
// continued with Read Blob until a short chunk or AttributeNotLong.
func (c *Client) ReadValue(ctx context.Context, handle uint16) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	value, err := c.readLong(ctx, handle)
	c.trace("read", handle, value, err)
	if err != nil {
		return nil, err
	}
	c.db.SetValue(handle, value)
	return value, nil
}

func (c *Client) readLong(ctx context.Context, handle uint16) ([]byte, error) {
	rsp, err := c.do(ctx, &att.ReadRequest{Handle: handle})
	if err != nil {
		return nil, err
	}
	value := rsp.(*att.ReadResponse).Value

	full := att.MaxReadValue(c.MTU())
	chunkLen := len(value)
	for chunkLen == full && len(value) < 0xFFFF {
		rsp, err := c.do(ctx, &att.ReadBlobRequest{Handle: handle, Offset: uint16(len(value))})
		if att.IsATTError(err, att.ErrAttributeNotLong) || att.IsATTError(err, att.ErrInvalidOffset) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunk := rsp.(*att.ReadBlobResponse).Value
		value = append(value, chunk...)
		chunkLen = len(chunk)
	}
	return value, nil
}

// WriteValue writes an attribute value. With-response writes are reported
// on the event stream as WriteCompleteEvent. Writes are never retried.
func (c *Client) WriteValue(ctx context.Context, handle uint16, data []byte, mode WriteMode) error {
	if err := c.ready(); err != nil {
		return err
	}

	if mode == WriteWithoutResponse {
		if att.ShouldFragment(c.MTU(), data) {
			err := errors.Wrapf(ErrValueTooLong, "%d bytes, at most %d without response", len(data), att.MaxWriteValue(c.MTU()))
			c.trace(mode.String(), handle, data, err)
			return err
		}
		err := c.t.SendCommand(&att.WriteCommand{Handle: handle, Value: data})
		c.trace(mode.String(), handle, data, err)
		return err
	}

	var err error
	if att.ShouldFragment(c.MTU(), data) {
		err = c.writeLong(ctx, handle, data)
	} else {
		_, err = c.do(ctx, &att.WriteRequest{Handle: handle, Value: data})
	}
	c.trace(mode.String(), handle, data, err)
	if err == nil {
		c.db.SetValue(handle, data)
	}

	c.events.push(WriteCompleteEvent{
		Handle:  handle,
		Success: err == nil,
		Code:    att.GetErrorCode(err),
		Err:     err,
	})
	return err
}

// writeLong runs a prepared write. A fragment that is not echoed back
// unchanged cancels the queue.
func (c *Client) writeLong(ctx context.Context, handle uint16, data []byte) error {
	reqs, err := att.FragmentWrite(handle, data, c.MTU())
	if err != nil {
		return errors.Wrap(ErrValueTooLong, err.Error())
	}

	for _, req := range reqs {
		rsp, err := c.do(ctx, req)
		if err != nil {
			if !att.IsFatal(err) {
				c.cancelPrepared(ctx)
			}
			return err
		}
		if !att.EchoMatches(req, rsp.(*att.PrepareWriteResponse)) {
			c.cancelPrepared(ctx)
			return errors.Wrapf(att.ErrUnexpectedResponse, "prepare write echo mismatch at offset %d", req.Offset)
		}
	}

	_, err = c.do(ctx, &att.ExecuteWriteRequest{Flags: 0x01})
	return err
}

func (c *Client) cancelPrepared(ctx context.Context) {
	if _, err := c.do(ctx, &att.ExecuteWriteRequest{Flags: 0x00}); err != nil {
		logger.Debug(c.logPrefix, "cancel prepared write: %v", err)
	}
}
