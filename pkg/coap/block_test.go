// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/absmach/mlink/pkg/errors"
)

func TestBlockCodec(t *testing.T) {
	cases := []struct {
		desc string
		num  uint32
		more bool
		szx  uint32
	}{
		{desc: "block zero", num: 0, more: true, szx: 0},
		{desc: "mid transfer", num: 7, more: true, szx: 4},
		{desc: "final block", num: 42, more: false, szx: 6},
		{desc: "max number", num: blockNumMax, more: false, szx: 2},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			v, err := encodeBlock(tc.num, tc.more, tc.szx)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			num, more, szx, err := decodeBlock(v)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if num != tc.num || more != tc.more || szx != tc.szx {
				t.Fatalf("round trip = (%d, %v, %d), want (%d, %v, %d)", num, more, szx, tc.num, tc.more, tc.szx)
			}
		})
	}

	if _, err := encodeBlock(blockNumMax+1, false, 0); !errors.Is(err, errors.ErrTooManyBlocks) {
		t.Fatalf("encode overflow error = %v, want %v", err, errors.ErrTooManyBlocks)
	}
	if _, _, _, err := decodeBlock(7); err == nil {
		t.Fatal("decoding the reserved size exponent should fail")
	}
}

func TestSzxFromSize(t *testing.T) {
	valid := map[int]uint32{16: 0, 32: 1, 64: 2, 128: 3, 256: 4, 512: 5, 1024: 6}
	for size, want := range valid {
		szx, err := szxFromSize(size)
		if err != nil {
			t.Fatalf("szxFromSize(%d): %v", size, err)
		}
		if szx != want {
			t.Fatalf("szxFromSize(%d) = %d, want %d", size, szx, want)
		}
		if got := sizeFromSZX(szx); got != size {
			t.Fatalf("sizeFromSZX(%d) = %d, want %d", szx, got, size)
		}
	}
	for _, size := range []int{0, 8, 24, 100, 2048} {
		if _, err := szxFromSize(size); err == nil {
			t.Fatalf("szxFromSize(%d) should fail", size)
		}
	}
}

// blockResource serves body in szx-sized Block2 chunks with an ETag.
func blockResource(req *pool.Message, body, etag []byte, szx uint32) *pool.Message {
	size := sizeFromSZX(szx)
	num := uint32(0)
	if v, ok := optionUint32(req.Options(), message.Block2); ok {
		if n, _, _, err := decodeBlock(v); err == nil {
			num = n
		}
	}

	start := int(num) * size
	if start > len(body) {
		start = len(body)
	}
	end := start + size
	more := end < len(body)
	if !more {
		end = len(body)
	}

	m := piggyback(req, codes.Content, body[start:end])
	bv, _ := encodeBlock(num, more, szx)
	m.SetOptionUint32(message.Block2, bv)
	m.SetOptionBytes(message.ETag, etag)
	return m
}

func TestBlockDownload(t *testing.T) {
	body := make([]byte, 70)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	etag := []byte{0x01}

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() == codes.GET {
			reply(blockResource(req, body, etag, 1))
		}
	})
	c := dialClient(t, testConfig(srv.addr()))

	resp, err := c.Get(context.Background(), "/blob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(resp.Payload, body) {
		t.Fatalf("payload is %d bytes, want the %d byte body", len(resp.Payload), len(body))
	}
	if _, ok := optionUint32(resp.Options, message.Block2); ok {
		t.Fatal("reassembled response should not carry a block option")
	}
	if tag, ok := optionBytes(resp.Options, message.ETag); !ok || !bytes.Equal(tag, etag) {
		t.Fatalf("etag = %x, want %x", tag, etag)
	}

	gets := countDatagrams(srv, func(m *pool.Message) bool { return m.Code() == codes.GET })
	if gets != 3 {
		t.Fatalf("server saw %d requests, want 3", gets)
	}
}

func TestBlockDownloadETagRestart(t *testing.T) {
	oldBody := bytes.Repeat([]byte("a"), 64)
	newBody := bytes.Repeat([]byte("b"), 64)

	var calls atomic.Int32
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() != codes.GET {
			return
		}
		// The representation changes after the first block is out.
		if calls.Add(1) == 1 {
			reply(blockResource(req, oldBody, []byte{0xaa}, 0))
			return
		}
		reply(blockResource(req, newBody, []byte{0xbb}, 0))
	})
	c := dialClient(t, testConfig(srv.addr()))

	resp, err := c.Get(context.Background(), "/moving")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(resp.Payload, newBody) {
		t.Fatal("payload should be the restarted representation")
	}

	// Initial block, the mismatching one, then four fresh blocks.
	gets := countDatagrams(srv, func(m *pool.Message) bool { return m.Code() == codes.GET })
	if gets != 6 {
		t.Fatalf("server saw %d requests, want 6", gets)
	}
}

func TestBlockDownloadBodyTooLarge(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 200)

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() == codes.GET {
			reply(blockResource(req, body, []byte{0x01}, 0))
		}
	})

	cfg := testConfig(srv.addr())
	cfg.MaxBodySize = 64
	c := dialClient(t, cfg)

	_, err := c.Get(context.Background(), "/huge")
	if !errors.Is(err, errors.ErrTooManyBlocks) {
		t.Fatalf("get error = %v, want %v", err, errors.ErrTooManyBlocks)
	}
}

func TestBlockUpload(t *testing.T) {
	payload := make([]byte, 80)
	for i := range payload {
		payload[i] = byte(i)
	}

	var mu sync.Mutex
	var got []byte
	var blocks [][2]uint32 // num, more
	var size1 uint32

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() != codes.PUT {
			return
		}
		v, ok := optionUint32(req.Options(), message.Block1)
		if !ok {
			t.Error("upload request without a block option")
			return
		}
		num, more, _, err := decodeBlock(v)
		if err != nil {
			t.Errorf("decode block: %v", err)
			return
		}
		chunk, err := req.ReadBody()
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}

		mu.Lock()
		got = append(got, chunk...)
		moreBit := uint32(0)
		if more {
			moreBit = 1
		}
		blocks = append(blocks, [2]uint32{num, moreBit})
		if num == 0 {
			size1, _ = optionUint32(req.Options(), message.Size1)
		}
		mu.Unlock()

		if more {
			m := piggyback(req, codes.Continue, nil)
			m.SetOptionUint32(message.Block1, v)
			reply(m)
			return
		}
		reply(piggyback(req, codes.Changed, nil))
	})

	cfg := testConfig(srv.addr())
	cfg.BlockSize = 32
	c := dialClient(t, cfg)

	resp, err := c.Put(context.Background(), "/firmware", message.AppOctets, payload)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if resp.Code != codes.Changed {
		t.Fatalf("code = %v, want %v", resp.Code, codes.Changed)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("server reassembled %d bytes, want %d", len(got), len(payload))
	}
	want := [][2]uint32{{0, 1}, {1, 1}, {2, 0}}
	if len(blocks) != len(want) {
		t.Fatalf("block sequence %v, want %v", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Fatalf("block sequence %v, want %v", blocks, want)
		}
	}
	if size1 != 80 {
		t.Fatalf("size1 = %d, want 80", size1)
	}
}

func TestBlockUploadRenegotiated(t *testing.T) {
	payload := bytes.Repeat([]byte("p"), 96)

	var mu sync.Mutex
	var got []byte

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() != codes.PUT {
			return
		}
		v, ok := optionUint32(req.Options(), message.Block1)
		if !ok {
			return
		}
		num, more, szx, err := decodeBlock(v)
		if err != nil {
			return
		}

		// 64 byte blocks are too big for this server; it wants 32.
		if szx > 1 {
			m := piggyback(req, codes.RequestEntityTooLarge, nil)
			bv, _ := encodeBlock(0, false, 1)
			m.SetOptionUint32(message.Block1, bv)
			reply(m)
			return
		}

		chunk, err := req.ReadBody()
		if err != nil {
			return
		}
		mu.Lock()
		if num == 0 {
			got = got[:0]
		}
		got = append(got, chunk...)
		mu.Unlock()

		if more {
			m := piggyback(req, codes.Continue, nil)
			m.SetOptionUint32(message.Block1, v)
			reply(m)
			return
		}
		reply(piggyback(req, codes.Changed, nil))
	})

	cfg := testConfig(srv.addr())
	cfg.BlockSize = 64
	c := dialClient(t, cfg)

	resp, err := c.Put(context.Background(), "/fw", message.AppOctets, payload)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if resp.Code != codes.Changed {
		t.Fatalf("code = %v, want %v", resp.Code, codes.Changed)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("server reassembled %d bytes, want %d", len(got), len(payload))
	}

	// The rejected 64 byte block plus three 32 byte ones.
	puts := countDatagrams(srv, func(m *pool.Message) bool { return m.Code() == codes.PUT })
	if puts != 4 {
		t.Fatalf("server saw %d requests, want 4", puts)
	}
}

func TestPostSingleExchange(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() != codes.POST {
			return
		}
		if _, ok := optionUint32(req.Options(), message.Block1); ok {
			t.Error("small payload should not go block-wise")
		}
		reply(piggyback(req, codes.Created, nil))
	})
	c := dialClient(t, testConfig(srv.addr()))

	resp, err := c.Post(context.Background(), "/readings", message.AppJSON, []byte(`{"t":22.5}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.Code != codes.Created {
		t.Fatalf("code = %v, want %v", resp.Code, codes.Created)
	}
	if got := len(srv.received()); got != 1 {
		t.Fatalf("received %d datagrams, want 1", got)
	}
}
