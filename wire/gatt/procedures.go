package gatt

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/user/gattlink/logger"
	"github.com/user/gattlink/wire/att"
)

// discovery runs the discovery procedures over one handle range. Problems
// that do not end the bearer are collected in issues; a fatal error aborts
// the whole run.
type discovery struct {
	c          *Client
	start, end uint16
	services   []*Service
	issues     []error
	lastCode   uint8
}

func (d *discovery) note(err error) {
	logger.Warn(d.c.logPrefix, "⚠️  %v", err)
	d.issues = append(d.issues, err)
	if code := att.GetErrorCode(err); code != 0 {
		d.lastCode = code
	}
}

// result returns the collected issues as a *DiscoveryError, or nil
func (d *discovery) result() error {
	if len(d.issues) == 0 {
		return nil
	}
	return &DiscoveryError{Issues: append([]error{}, d.issues...)}
}

// endOfProcedure reports whether an ATT error ends a procedure normally
func endOfProcedure(err error) bool {
	return att.IsATTError(err, att.ErrAttributeNotFound) ||
		att.IsATTError(err, att.ErrUnsupportedGroupType) ||
		att.IsATTError(err, att.ErrRequestNotSupported)
}

// initialDiscovery discovers the full handle span and reports readiness once
func (c *Client) initialDiscovery() {
	logger.Info(c.logPrefix, "🔍 Discovering services (mtu %d)", c.MTU())

	d, err := c.discover(c.ctx, MinHandle, MaxHandle)
	if err != nil {
		c.setState(StateIdle)
		logger.Warn(c.logPrefix, "❌ Discovery failed: %v", err)
		c.trace("discover", 0, nil, err)
		c.events.push(ReadyEvent{Success: false, Code: att.GetErrorCode(err), Err: err})
		return
	}

	c.locateServiceChanged(c.ctx)
	c.setState(StateReady)

	partial := d.result()
	logger.Info(c.logPrefix, "✅ Discovery complete: %d services", c.db.Len())
	logger.DebugJSON(c.logPrefix, "Services", c.db.Services())
	c.trace("discover", 0, nil, partial)
	c.events.push(ReadyEvent{Success: true, Code: d.lastCode, Err: partial})
}

// discover runs every discovery phase over [start, end] and commits each
// service once its subtree is complete. On a fatal error the services still
// pending are discarded; committed ones stay.
func (c *Client) discover(ctx context.Context, start, end uint16) (*discovery, error) {
	d := &discovery{c: c, start: start, end: end}

	fatal := func(err error) (*discovery, error) {
		c.db.DiscardPending()
		return d, err
	}

	c.setState(StateDiscoveringPrimaryServices)
	if err := d.primaryServices(ctx); err != nil {
		return fatal(err)
	}
	if err := d.secondaryServices(ctx); err != nil {
		return fatal(err)
	}
	sort.Slice(d.services, func(i, j int) bool { return d.services[i].StartHandle < d.services[j].StartHandle })

	c.setState(StateDiscoveringIncludes)
	for _, s := range d.services {
		if err := d.includes(ctx, s); err != nil {
			return fatal(err)
		}
	}

	c.setState(StateDiscoveringCharacteristics)
	kept := d.services[:0]
	for _, s := range d.services {
		ok, err := d.characteristics(ctx, s)
		if err != nil {
			return fatal(err)
		}
		if !ok {
			c.db.Discard(s)
			continue
		}
		kept = append(kept, s)
	}
	d.services = kept

	c.setState(StateDiscoveringDescriptors)
	for len(d.services) > 0 {
		s := d.services[0]
		for _, ch := range s.Characteristics {
			if err := d.descriptors(ctx, s, ch); err != nil {
				return fatal(err)
			}
		}
		d.services = d.services[1:]
		if err := c.db.Commit(s); err != nil {
			d.note(err)
			continue
		}
		logger.Debug(c.logPrefix, "📋 Service %s 0x%04X-0x%04X: %d characteristics",
			s.UUID.ShortString(), s.StartHandle, s.EndHandle, len(s.Characteristics))
	}
	return d, nil
}

// groupCursor walks a handle range with the "last handle + 1" continuation
// rule shared by the discovery procedures.
type groupCursor struct {
	next, end uint16
	prevEnd   uint16
	done      bool
}

// advance moves past the last handle of a response; a response that does not
// move forward ends the walk.
func (g *groupCursor) advance(last uint16) bool {
	if last < g.next || last >= g.end || last == MaxHandle {
		g.done = true
		return false
	}
	g.next = last + 1
	return true
}

// acceptService applies the ordering rules to one reported service entry
// and creates its pending service
func (d *discovery) acceptService(g *groupCursor, e ServiceEntry, primary bool) {
	switch {
	case e.StartHandle < g.next || e.StartHandle > e.EndHandle || e.EndHandle > g.end:
		d.note(errors.Wrapf(ErrMalformedDiscovery, "service %s 0x%04X-0x%04X outside 0x%04X-0x%04X",
			e.UUID.ShortString(), e.StartHandle, e.EndHandle, g.next, g.end))
		return
	case g.prevEnd != 0 && e.StartHandle <= g.prevEnd:
		d.note(errors.Wrapf(ErrMalformedDiscovery, "service 0x%04X-0x%04X overlaps previous entry ending 0x%04X",
			e.StartHandle, e.EndHandle, g.prevEnd))
		return
	}
	g.prevEnd = e.EndHandle

	svc, err := d.c.db.NewService(e.StartHandle, e.EndHandle, e.UUID, primary)
	if err != nil {
		d.note(err)
		return
	}
	d.services = append(d.services, svc)
}

func (d *discovery) primaryServices(ctx context.Context) error {
	if len(d.c.filter) == 0 {
		return d.groupTypeServices(ctx, UUIDPrimaryService, true)
	}
	for _, u := range d.c.filter {
		if err := d.servicesByUUID(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (d *discovery) secondaryServices(ctx context.Context) error {
	return d.groupTypeServices(ctx, UUIDSecondaryService, false)
}

// groupTypeServices runs Read By Group Type for a service declaration type
func (d *discovery) groupTypeServices(ctx context.Context, typ UUID, primary bool) error {
	g := &groupCursor{next: d.start, end: d.end}
	for !g.done {
		rsp, err := d.c.do(ctx, &att.ReadByGroupTypeRequest{StartHandle: g.next, EndHandle: g.end, Type: typ.ATTWire()})
		if endOfProcedure(err) {
			return nil
		}
		if att.IsFatal(err) {
			return err
		}
		if err != nil {
			d.note(errors.Wrapf(err, "discover %s services", typ.ShortString()))
			return nil
		}

		entries, err := ParseReadByGroupTypeResponse(rsp.(*att.ReadByGroupTypeResponse))
		if err != nil {
			d.note(err)
			return nil
		}
		for _, e := range entries {
			d.acceptService(g, e, primary)
		}

		last := entries[len(entries)-1]
		lastHandle := maxHandle(last.StartHandle, last.EndHandle)
		if lastHandle < g.next {
			d.note(errors.Wrapf(ErrMalformedDiscovery, "service discovery stalled at 0x%04X", g.next))
		}
		g.advance(lastHandle)
	}
	return nil
}

// servicesByUUID runs Find By Type Value for one primary service UUID
func (d *discovery) servicesByUUID(ctx context.Context, u UUID) error {
	g := &groupCursor{next: d.start, end: d.end}
	for !g.done {
		short, _ := UUIDPrimaryService.Short()
		rsp, err := d.c.do(ctx, &att.FindByTypeValueRequest{
			StartHandle: g.next,
			EndHandle:   g.end,
			Type:        short,
			Value:       u.ATTWire(),
		})
		if endOfProcedure(err) {
			return nil
		}
		if att.IsFatal(err) {
			return err
		}
		if err != nil {
			d.note(errors.Wrapf(err, "discover service %s", u.ShortString()))
			return nil
		}

		entries, err := ParseFindByTypeValueResponse(rsp.(*att.FindByTypeValueResponse), u)
		if err != nil {
			d.note(err)
			return nil
		}
		for _, e := range entries {
			d.acceptService(g, e, true)
		}
		last := entries[len(entries)-1]
		g.advance(maxHandle(last.StartHandle, last.EndHandle))
	}
	return nil
}

// includes runs Read By Type (0x2802) over a service
func (d *discovery) includes(ctx context.Context, s *Service) error {
	if s.StartHandle == s.EndHandle {
		return nil
	}
	g := &groupCursor{next: s.StartHandle + 1, end: s.EndHandle}
	for !g.done {
		rsp, err := d.c.do(ctx, &att.ReadByTypeRequest{StartHandle: g.next, EndHandle: g.end, Type: UUIDInclude.ATTWire()})
		if endOfProcedure(err) {
			return nil
		}
		if att.IsFatal(err) {
			return err
		}
		if err != nil {
			d.note(errors.Wrapf(err, "discover includes of 0x%04X", s.StartHandle))
			return nil
		}

		entries, err := ParseIncludeDeclarations(rsp.(*att.ReadByTypeResponse))
		if err != nil {
			d.note(err)
			return nil
		}
		for _, e := range entries {
			if e.Handle < g.next || e.Handle > g.end {
				d.note(errors.Wrapf(ErrMalformedDiscovery, "include 0x%04X outside 0x%04X-0x%04X", e.Handle, g.next, g.end))
				continue
			}
			if !e.HasUUID {
				u, err := d.includedUUID(ctx, e.StartHandle)
				if att.IsFatal(err) {
					return err
				}
				if err != nil {
					d.note(errors.Wrapf(err, "resolve include 0x%04X", e.Handle))
					continue
				}
				e.UUID = u
			}
			if _, err := s.AddInclude(e.Handle, e.StartHandle, e.EndHandle, e.UUID); err != nil {
				d.note(err)
			}
		}
		g.advance(entries[len(entries)-1].Handle)
	}
	return nil
}

// includedUUID reads the 128-bit UUID from an included service declaration
func (d *discovery) includedUUID(ctx context.Context, handle uint16) (UUID, error) {
	rsp, err := d.c.do(ctx, &att.ReadRequest{Handle: handle})
	if err != nil {
		return UUID{}, err
	}
	value := rsp.(*att.ReadResponse).Value
	if len(value) != 16 {
		return UUID{}, errors.Wrapf(ErrMalformedDiscovery, "included service declaration has %d bytes", len(value))
	}
	return UUIDFromWire(value)
}

// characteristics runs Read By Type (0x2803) over a service. A malformed
// declaration rejects the whole service (ok false).
func (d *discovery) characteristics(ctx context.Context, s *Service) (bool, error) {
	if s.StartHandle == s.EndHandle {
		return true, nil
	}
	g := &groupCursor{next: s.StartHandle + 1, end: s.EndHandle}
	for !g.done {
		rsp, err := d.c.do(ctx, &att.ReadByTypeRequest{StartHandle: g.next, EndHandle: g.end, Type: UUIDCharacteristic.ATTWire()})
		if endOfProcedure(err) {
			return true, nil
		}
		if att.IsFatal(err) {
			return false, err
		}
		if err != nil {
			d.note(errors.Wrapf(err, "discover characteristics of 0x%04X", s.StartHandle))
			return true, nil
		}

		entries, err := ParseCharacteristicDeclarations(rsp.(*att.ReadByTypeResponse))
		if err != nil {
			d.note(errors.Wrapf(err, "service 0x%04X-0x%04X rejected", s.StartHandle, s.EndHandle))
			return false, nil
		}
		for _, e := range entries {
			if e.DeclarationHandle < g.next {
				d.note(errors.Wrapf(ErrMalformedDiscovery, "service 0x%04X-0x%04X rejected: characteristic 0x%04X out of order",
					s.StartHandle, s.EndHandle, e.DeclarationHandle))
				return false, nil
			}
			if _, err := s.AddCharacteristic(e.DeclarationHandle, e.ValueHandle, e.Properties, e.UUID); err != nil {
				d.note(errors.Wrapf(err, "service 0x%04X-0x%04X rejected", s.StartHandle, s.EndHandle))
				return false, nil
			}
		}
		g.advance(entries[len(entries)-1].DeclarationHandle)
	}
	return true, nil
}

// descriptors runs Find Information over [value+1, end] of a characteristic
func (d *discovery) descriptors(ctx context.Context, s *Service, ch *Characteristic) error {
	if ch.ValueHandle >= ch.EndHandle {
		return nil
	}
	g := &groupCursor{next: ch.ValueHandle + 1, end: ch.EndHandle}
	for !g.done {
		rsp, err := d.c.do(ctx, &att.FindInformationRequest{StartHandle: g.next, EndHandle: g.end})
		if endOfProcedure(err) {
			break
		}
		if att.IsFatal(err) {
			return err
		}
		if err != nil {
			d.note(errors.Wrapf(err, "discover descriptors of 0x%04X", ch.ValueHandle))
			break
		}

		entries, err := ParseFindInformationResponse(rsp.(*att.FindInformationResponse))
		if err != nil {
			d.note(err)
			break
		}
		stop := false
		for _, e := range entries {
			if e.Handle < g.next || e.Handle > g.end {
				d.note(errors.Wrapf(ErrMalformedDiscovery, "descriptor 0x%04X outside 0x%04X-0x%04X", e.Handle, g.next, g.end))
				stop = true
				break
			}
			if _, err := s.AddDescriptor(ch, e.Handle, e.UUID); err != nil {
				d.note(err)
				stop = true
				break
			}
		}
		if stop {
			break
		}
		g.advance(entries[len(entries)-1].Handle)
	}

	if ch.Properties&PropExtendedProperties != 0 {
		if desc := ch.Descriptor(UUIDCharExtProps); desc != nil {
			rsp, err := d.c.do(ctx, &att.ReadRequest{Handle: desc.Handle})
			if att.IsFatal(err) {
				return err
			}
			if err != nil {
				d.note(errors.Wrapf(err, "read extended properties 0x%04X", desc.Handle))
				return nil
			}
			if err := s.SetExtendedProperties(ch, rsp.(*att.ReadResponse).Value); err != nil {
				d.note(err)
			}
		}
	}
	return nil
}

// locateServiceChanged finds the Service Changed characteristic and enables
// indications on it
func (c *Client) locateServiceChanged(ctx context.Context) {
	svc := c.db.FindService(UUIDGenericAttributeService)
	if svc == nil {
		c.scHandle.Store(0)
		return
	}
	ch := svc.CharacteristicByUUID(UUIDServiceChanged)
	if ch == nil {
		c.scHandle.Store(0)
		return
	}
	if uint16(c.scHandle.Swap(uint32(ch.ValueHandle))) == ch.ValueHandle {
		return
	}

	cccd := ch.Descriptor(UUIDClientCharacteristicConfig)
	if cccd == nil || ch.Properties&PropIndicate == 0 {
		return
	}
	value := EncodeCCCDValue(false, true)
	_, err := c.do(ctx, &att.WriteRequest{Handle: cccd.Handle, Value: value})
	if err != nil {
		logger.Warn(c.logPrefix, "⚠️  Failed to enable service changed indications: %v", err)
		return
	}
	c.db.SetValue(cccd.Handle, value)
	logger.Debug(c.logPrefix, "🔔 Service changed indications enabled on 0x%04X", ch.ValueHandle)
}

// handleServiceChanged clears and re-discovers a changed range, then re-arms
// or drops the subscriptions inside it. A cleared service that only partly
// overlaps the range widens the rescan to its full span.
func (c *Client) handleServiceChanged(r handleRange) {
	scan := r
	for _, s := range c.db.ClearRange(r.start, r.end) {
		if s.StartHandle < scan.start {
			scan.start = s.StartHandle
		}
		scan.end = maxHandle(scan.end, s.EndHandle)
	}
	if scan != r {
		logger.Debug(c.logPrefix, "🔍 Widened re-discovery to 0x%04X-0x%04X", scan.start, scan.end)
	}

	d, err := c.discover(c.ctx, scan.start, scan.end)
	if err != nil {
		c.setState(StateIdle)
		logger.Warn(c.logPrefix, "❌ Re-discovery of 0x%04X-0x%04X failed: %v", scan.start, scan.end, err)
		c.trace("service-changed", r.start, nil, err)
		c.events.push(ServiceChangedEvent{StartHandle: r.start, EndHandle: r.end, Err: err})
		return
	}

	if sc := uint16(c.scHandle.Load()); sc == InvalidHandle || (sc >= scan.start && sc <= scan.end) {
		c.scHandle.Store(0)
		c.locateServiceChanged(c.ctx)
	}
	c.rearmSubscriptions(c.ctx, scan)
	c.setState(StateReady)

	partial := d.result()
	logger.DebugJSON(c.logPrefix, "Services after re-discovery", c.db.Services())
	c.trace("service-changed", r.start, nil, partial)
	c.events.push(ServiceChangedEvent{StartHandle: r.start, EndHandle: r.end, Err: partial})
}

func maxHandle(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
