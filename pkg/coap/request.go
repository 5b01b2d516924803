// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/absmach/mlink/pkg/coap/transport"
	"github.com/absmach/mlink/pkg/errors"
	"github.com/absmach/mlink/pkg/events"
)

// Request describes one CoAP request.
type Request struct {
	// Code is the method code: codes.GET, codes.POST, codes.PUT or
	// codes.DELETE.
	Code codes.Code

	// Path is the resource path, e.g. "/sensors/temperature".
	Path string

	// Queries holds URI query strings such as "unit=celsius".
	Queries []string

	// Payload is the request body. Payloads larger than the configured
	// block size are uploaded with a block-wise transfer.
	Payload []byte

	// ContentFormat describes the payload. Nil leaves the option unset.
	ContentFormat *message.MediaType

	// Accept asks the server for a specific representation.
	Accept *message.MediaType

	// NonConfirmable sends the request unreliably on datagram
	// transports: a single transmission with no retransmission
	// schedule. The zero value selects a confirmable exchange.
	NonConfirmable bool

	// Options are applied to the message after the fields above.
	Options message.Options

	// Block-wise and observe options managed by the client itself.
	observe *uint32
	block1  *uint32
	block2  *uint32
	size1   *uint32

	// token forces a specific token instead of a fresh one, used by
	// observe deregistration which must reuse the relation's token.
	token message.Token
}

// Response is a decoded CoAP response.
type Response struct {
	// Code is the response code, e.g. codes.Content.
	Code codes.Code

	// Type is the datagram message type that carried the response.
	// Unset on stream transports.
	Type message.Type

	// Token echoes the request token.
	Token message.Token

	// Payload is the response body. For block-wise transfers this is
	// the reassembled body.
	Payload []byte

	// Options holds the response options.
	Options message.Options
}

// IsSuccess reports whether the response code is in the 2.xx class.
func (r *Response) IsSuccess() bool {
	return codeClass(r.Code) == 2
}

// ContentFormat returns the Content-Format option when present.
func (r *Response) ContentFormat() (message.MediaType, bool) {
	v, ok := optionUint32(r.Options, message.ContentFormat)
	return message.MediaType(v), ok
}

func codeClass(c codes.Code) uint16 {
	return uint16(c) >> 5
}

// CodeString renders a CoAP code in dotted notation, e.g. "2.05".
func CodeString(c codes.Code) string {
	return fmt.Sprintf("%d.%02d", uint16(c)>>5, uint16(c)&0x1f)
}

func methodString(c codes.Code) string {
	switch c {
	case codes.GET:
		return "GET"
	case codes.POST:
		return "POST"
	case codes.PUT:
		return "PUT"
	case codes.DELETE:
		return "DELETE"
	default:
		return CodeString(c)
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, queries ...string) (*Response, error) {
	return c.Do(ctx, &Request{Code: codes.GET, Path: path, Queries: queries})
}

// Post performs a POST request with the given payload.
func (c *Client) Post(ctx context.Context, path string, cf message.MediaType, payload []byte) (*Response, error) {
	return c.Do(ctx, &Request{Code: codes.POST, Path: path, ContentFormat: &cf, Payload: payload})
}

// Put performs a PUT request with the given payload.
func (c *Client) Put(ctx context.Context, path string, cf message.MediaType, payload []byte) (*Response, error) {
	return c.Do(ctx, &Request{Code: codes.PUT, Path: path, ContentFormat: &cf, Payload: payload})
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Code: codes.DELETE, Path: path})
}

// Do performs a request and returns its response. Non-2.xx responses are
// returned as responses, not errors. Block-wise transfers are handled
// transparently in both directions, and the overall wait is bounded by
// ctx and the configured request timeout.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Code < codes.GET || req.Code > codes.DELETE {
		return nil, errors.New("request", c.cfg.Scheme, c.cfg.Address, fmt.Errorf("%s: not a request code", CodeString(req.Code)))
	}

	info := c.info(methodString(req.Code), req.Path)
	if err := c.listener.AuthorizeRequest(ctx, info); err != nil {
		return nil, errors.New("request", c.cfg.Scheme, c.cfg.Address, err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()

	var resp *Response
	var err error
	if len(req.Payload) > c.cfg.BlockSize {
		resp, err = c.uploadBlocks(ctx, req, info)
	} else {
		resp, err = c.exchangeRequest(ctx, req, nil, info)
	}
	if err == nil {
		resp, err = c.downloadBlocks(ctx, req, resp, info)
	}
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			c.stats.timeouts.Add(1)
			c.listener.OnTimeout(ctx, info)
		}
		return nil, errors.New("request", c.cfg.Scheme, c.cfg.Address, err)
	}

	c.listener.OnResponse(ctx, info, CodeString(resp.Code), time.Since(start))
	return resp, nil
}

// exchangeRequest runs a single request exchange: allocate token and
// message ID, register, transmit and wait for the outcome. When obs is
// non-nil the receive loop activates the observation atomically with the
// arrival of its first response.
func (c *Client) exchangeRequest(ctx context.Context, req *Request, obs *Observation, info *events.Info) (*Response, error) {
	conn, runCtx := c.transport()
	if conn == nil {
		return nil, errors.ErrNotConnected
	}

	confirmable := !conn.Reliable() && !req.NonConfirmable

	if confirmable {
		release, err := c.acquireNStart(ctx, runCtx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	var ex *exchange
	var data []byte
	for attempt := 0; ; attempt++ {
		var err error
		ex, data, err = c.buildExchange(ctx, req, conn.Reliable(), confirmable)
		if err != nil {
			return nil, err
		}
		ex.obs = obs
		if c.exchanges.register(ex) {
			break
		}
		if attempt == 4 {
			return nil, fmt.Errorf("token collision, %d in-flight exchanges", attempt+1)
		}
	}
	defer c.exchanges.remove(ex)

	return c.transmit(ctx, runCtx, conn, ex, data, info)
}

// transmit sends the serialized exchange and waits for its outcome. For
// confirmable messages it drives the retransmission schedule: the first
// interval is AckTimeout scaled by a random factor in
// [1, AckRandomFactor), it doubles after every retransmission, and the
// same serialized bytes are re-sent at most MaxRetransmit times.
func (c *Client) transmit(ctx context.Context, runCtx context.Context, conn transport.Conn, ex *exchange, data []byte, info *events.Info) (*Response, error) {
	typ := message.Unset
	if !conn.Reliable() {
		typ = message.NonConfirmable
		if ex.confirmable {
			typ = message.Confirmable
		}
	}

	if err := c.send(conn, data, typ); err != nil {
		return nil, err
	}

	if ex.confirmable {
		interval := c.retransmitInterval()
		timer := time.NewTimer(interval)
		defer timer.Stop()

		attempt := 0
	ackWait:
		for {
			select {
			case res := <-ex.result:
				return res.resp, res.err
			case <-ex.acked:
				break ackWait
			case <-timer.C:
				if attempt == c.cfg.MaxRetransmit {
					return nil, errors.ErrTimeout
				}
				attempt++
				if err := c.send(conn, data, typ); err != nil {
					return nil, err
				}
				c.stats.retransmissions.Add(1)
				c.listener.OnRetransmit(ctx, info, attempt)
				interval *= 2
				timer.Reset(interval)
			case <-ctx.Done():
				return nil, ctxErr(ctx)
			case <-runCtx.Done():
				return nil, errors.ErrConnectionClosed
			}
		}
	}

	// Acknowledged or unreliable: wait for the (separate) response.
	select {
	case res := <-ex.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	case <-runCtx.Done():
		return nil, errors.ErrConnectionClosed
	}
}

// buildExchange serializes the request with a fresh token and, on
// datagram transports, the next message ID.
func (c *Client) buildExchange(ctx context.Context, req *Request, reliable, confirmable bool) (*exchange, []byte, error) {
	token := req.token
	if token == nil {
		var err error
		token, err = message.GetToken()
		if err != nil {
			return nil, nil, errors.Wrap(err, "token")
		}
	}

	msg := pool.NewMessage(ctx)
	msg.SetCode(req.Code)
	msg.SetToken(token)

	if req.Path != "" {
		if err := msg.SetPath(req.Path); err != nil {
			return nil, nil, errors.Wrap(err, "path")
		}
	}
	for _, q := range req.Queries {
		msg.AddQuery(q)
	}
	if req.observe != nil {
		msg.SetObserve(*req.observe)
	}
	if req.ContentFormat != nil {
		msg.SetContentFormat(*req.ContentFormat)
	}
	if req.Accept != nil {
		msg.SetAccept(*req.Accept)
	}
	if req.block1 != nil {
		msg.SetOptionUint32(message.Block1, *req.block1)
	}
	if req.block2 != nil {
		msg.SetOptionUint32(message.Block2, *req.block2)
	}
	if req.size1 != nil {
		msg.SetOptionUint32(message.Size1, *req.size1)
	}
	for _, opt := range req.Options {
		msg.SetOptionBytes(opt.ID, opt.Value)
	}
	if len(req.Payload) > 0 {
		msg.SetBody(bytes.NewReader(req.Payload))
	}

	mid := int32(-1)
	if !reliable {
		if confirmable {
			msg.SetType(message.Confirmable)
		} else {
			msg.SetType(message.NonConfirmable)
		}
		mid = int32(c.nextMID())
		msg.SetMessageID(mid)
	}

	data, err := c.encode(msg, reliable)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode")
	}

	return newExchange(string(token), mid, confirmable), data, nil
}

// retransmitInterval draws the initial retransmission timeout, uniform
// in [AckTimeout, AckTimeout*AckRandomFactor).
func (c *Client) retransmitInterval() time.Duration {
	spread := float64(c.cfg.AckTimeout) * (c.cfg.AckRandomFactor - 1)
	return c.cfg.AckTimeout + time.Duration(rand.Float64()*spread)
}

func ctxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.ErrTimeout
	}
	return errors.ErrCanceled
}

// optionUint32 decodes a uint32 option from its shortest-form encoding.
func optionUint32(opts message.Options, id message.OptionID) (uint32, bool) {
	for _, o := range opts {
		if o.ID != id {
			continue
		}
		var v uint32
		for _, b := range o.Value {
			v = v<<8 | uint32(b)
		}
		return v, true
	}
	return 0, false
}

func optionBytes(opts message.Options, id message.OptionID) ([]byte, bool) {
	for _, o := range opts {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}
