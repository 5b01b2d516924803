// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/absmach/mlink/pkg/errors"
	"github.com/absmach/mlink/pkg/events"
)

// Block option layout per RFC 7959 section 2.2: the upper bits carry the
// block number, bit 3 the "more" flag and the low three bits the size
// exponent, block size = 2^(szx+4).
const (
	blockMoreBit  = 1 << 3
	blockSZXMask  = 0x7
	blockNumShift = 4
	blockNumMax   = 1<<20 - 1
)

func encodeBlock(num uint32, more bool, szx uint32) (uint32, error) {
	if num > blockNumMax {
		return 0, errors.ErrTooManyBlocks
	}
	v := num<<blockNumShift | szx&blockSZXMask
	if more {
		v |= blockMoreBit
	}
	return v, nil
}

func decodeBlock(v uint32) (num uint32, more bool, szx uint32, err error) {
	szx = v & blockSZXMask
	if szx == 7 {
		return 0, false, 0, fmt.Errorf("reserved block size exponent 7")
	}
	return v >> blockNumShift, v&blockMoreBit != 0, szx, nil
}

// szxFromSize maps a block size to its exponent. Valid sizes are the
// powers of two from 16 through 1024.
func szxFromSize(size int) (uint32, error) {
	for szx := uint32(0); szx <= 6; szx++ {
		if 16<<szx == size {
			return szx, nil
		}
	}
	return 0, fmt.Errorf("invalid block size %d", size)
}

func sizeFromSZX(szx uint32) int {
	return 16 << (szx & blockSZXMask)
}

// uploadBlocks sends the request payload as an RFC 7959 Block1 sequence:
// every block is its own exchange, non-final blocks expect 2.31
// Continue, and the final block's response is the response to the whole
// request. A 4.13 carrying a smaller Block1 size restarts the transfer
// once at that size.
func (c *Client) uploadBlocks(ctx context.Context, req *Request, info *events.Info) (*Response, error) {
	payload := req.Payload
	size := c.cfg.BlockSize
	szx, err := szxFromSize(size)
	if err != nil {
		return nil, err
	}

	total := uint32(len(payload))
	restarted := false
	offset := 0

	for {
		end := offset + size
		more := end < len(payload)
		if !more {
			end = len(payload)
		}

		block, err := encodeBlock(uint32(offset/size), more, szx)
		if err != nil {
			return nil, err
		}

		blockReq := *req
		blockReq.Payload = payload[offset:end]
		blockReq.block1 = &block
		blockReq.size1 = nil
		if offset == 0 {
			blockReq.size1 = &total
		}

		resp, err := c.exchangeRequest(ctx, &blockReq, nil, info)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.Code == codes.Continue:
			if !more {
				return nil, errors.Wrap(errors.ErrUnexpectedResponse, "continue after final block")
			}
			offset = end
			// The server may ask for smaller blocks from here on.
			if v, ok := optionUint32(resp.Options, message.Block1); ok {
				if _, _, respSZX, err := decodeBlock(v); err == nil && sizeFromSZX(respSZX) < size {
					size = sizeFromSZX(respSZX)
					szx = respSZX
				}
			}

		case resp.Code == codes.RequestEntityTooLarge && !restarted:
			v, ok := optionUint32(resp.Options, message.Block1)
			if !ok {
				return resp, nil
			}
			_, _, respSZX, err := decodeBlock(v)
			if err != nil || sizeFromSZX(respSZX) >= size {
				return resp, nil
			}
			size = sizeFromSZX(respSZX)
			szx = respSZX
			offset = 0
			restarted = true

		default:
			// The server's last word, success or not.
			if !more && resp.IsSuccess() {
				c.stats.blockUploads.Add(1)
			}
			return resp, nil
		}
	}
}

// downloadBlocks reassembles a block-wise response body per RFC 7959
// Block2, one exchange per block. Responses without a Block2 option pass
// through untouched. An ETag change mid-transfer restarts the download
// once; a second change fails it.
func (c *Client) downloadBlocks(ctx context.Context, req *Request, resp *Response, info *events.Info) (*Response, error) {
	v, ok := optionUint32(resp.Options, message.Block2)
	if !ok {
		return resp, nil
	}
	if !resp.IsSuccess() {
		return resp, nil
	}

	num, more, szx, err := decodeBlock(v)
	if err != nil {
		return nil, err
	}
	if num != 0 {
		return nil, errors.Wrap(errors.ErrUnexpectedResponse, "block-wise response starting past block zero")
	}
	if !more {
		c.stats.blockDownloads.Add(1)
		return finalizeBlocks(resp, resp.Payload), nil
	}
	if len(resp.Payload) == 0 {
		return nil, errors.Wrap(errors.ErrUnexpectedResponse, "empty non-final block")
	}

	size := sizeFromSZX(szx)
	etag, _ := optionBytes(resp.Options, message.ETag)
	body := append([]byte(nil), resp.Payload...)
	restarted := false

	for {
		if len(body) > c.cfg.MaxBodySize {
			return nil, fmt.Errorf("%d byte body exceeds %d: %w", len(body), c.cfg.MaxBodySize, errors.ErrTooManyBlocks)
		}

		block, err := encodeBlock(uint32(len(body)/size), false, szx)
		if err != nil {
			return nil, err
		}

		blockReq := *req
		blockReq.Payload = nil
		blockReq.ContentFormat = nil
		blockReq.block1 = nil
		blockReq.size1 = nil
		blockReq.block2 = &block

		next, err := c.exchangeRequest(ctx, &blockReq, nil, info)
		if err != nil {
			return nil, err
		}
		if !next.IsSuccess() {
			return next, nil
		}

		nv, ok := optionUint32(next.Options, message.Block2)
		if !ok {
			return nil, errors.Wrap(errors.ErrUnexpectedResponse, "block option missing from block-wise response")
		}
		nextNum, nextMore, nextSZX, err := decodeBlock(nv)
		if err != nil {
			return nil, err
		}

		nextTag, _ := optionBytes(next.Options, message.ETag)
		if len(body) == 0 {
			// First block of a restarted transfer fixes the new tag.
			etag = nextTag
		} else if !bytes.Equal(nextTag, etag) {
			if restarted {
				return nil, errors.Wrap(errors.ErrUnexpectedResponse, "representation changed twice during transfer")
			}
			restarted = true
			body = body[:0]
			continue
		}

		// Servers may renumber to a smaller block size.
		if ns := sizeFromSZX(nextSZX); ns != size {
			size = ns
			szx = nextSZX
		}
		if int(nextNum)*size != len(body) {
			return nil, errors.Wrap(errors.ErrUnexpectedResponse, "block arrived out of sequence")
		}
		if nextMore && len(next.Payload) == 0 {
			return nil, errors.Wrap(errors.ErrUnexpectedResponse, "empty non-final block")
		}

		body = append(body, next.Payload...)
		if !nextMore {
			c.stats.blockDownloads.Add(1)
			return finalizeBlocks(next, body), nil
		}
	}
}

// finalizeBlocks builds the reassembled response from the last block's
// code and options, minus the transfer bookkeeping.
func finalizeBlocks(last *Response, body []byte) *Response {
	opts := make(message.Options, 0, len(last.Options))
	for _, o := range last.Options {
		if o.ID == message.Block2 {
			continue
		}
		opts = append(opts, o)
	}
	return &Response{
		Code:    last.Code,
		Type:    last.Type,
		Token:   last.Token,
		Payload: body,
		Options: opts,
	}
}
