// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	udpcoder "github.com/plgd-dev/go-coap/v3/udp/coder"
	"go.uber.org/goleak"

	"github.com/absmach/mlink/pkg/errors"
	"github.com/absmach/mlink/pkg/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type replyFunc func(...*pool.Message)

type datagram struct {
	data []byte
	at   time.Time
}

// udpServer is a scripted CoAP endpoint on localhost. Tests drive the
// client against real datagrams and assert on what crossed the wire.
type udpServer struct {
	t      *testing.T
	pc     net.PacketConn
	handle func(req *pool.Message, reply replyFunc)

	mu   sync.Mutex
	recv []datagram

	wg sync.WaitGroup
}

func newUDPServer(t *testing.T, handle func(req *pool.Message, reply replyFunc)) *udpServer {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &udpServer{t: t, pc: pc, handle: handle}
	s.wg.Add(1)
	go s.loop()
	t.Cleanup(func() {
		s.pc.Close()
		s.wg.Wait()
	})
	return s
}

func (s *udpServer) addr() string {
	return s.pc.LocalAddr().String()
}

func (s *udpServer) loop() {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		s.mu.Lock()
		s.recv = append(s.recv, datagram{data: data, at: time.Now()})
		s.mu.Unlock()

		req := pool.NewMessage(context.Background())
		if _, err := req.UnmarshalWithDecoder(udpcoder.DefaultCoder, data); err != nil {
			continue
		}
		s.handle(req, func(replies ...*pool.Message) {
			for _, m := range replies {
				out, err := m.MarshalWithEncoder(udpcoder.DefaultCoder)
				if err != nil {
					s.t.Errorf("encode reply: %v", err)
					return
				}
				if _, err := s.pc.WriteTo(out, from); err != nil {
					return
				}
			}
		})
	}
}

func (s *udpServer) received() []datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datagram, len(s.recv))
	copy(out, s.recv)
	return out
}

// countDatagrams counts received datagrams matching the predicate.
func countDatagrams(s *udpServer, match func(*pool.Message) bool) int {
	n := 0
	for _, d := range s.received() {
		m := pool.NewMessage(context.Background())
		if _, err := m.UnmarshalWithDecoder(udpcoder.DefaultCoder, d.data); err != nil {
			continue
		}
		if match(m) {
			n++
		}
	}
	return n
}

func cloneToken(tok message.Token) message.Token {
	c := make(message.Token, len(tok))
	copy(c, tok)
	return c
}

// piggyback builds an ACK carrying code and payload for req.
func piggyback(req *pool.Message, code codes.Code, payload []byte) *pool.Message {
	m := pool.NewMessage(context.Background())
	m.SetCode(code)
	m.SetType(message.Acknowledgement)
	m.SetMessageID(req.MessageID())
	m.SetToken(cloneToken(req.Token()))
	if len(payload) > 0 {
		m.SetBody(bytes.NewReader(payload))
	}
	return m
}

func emptyAck(req *pool.Message) *pool.Message {
	m := pool.NewMessage(context.Background())
	m.SetCode(codes.Empty)
	m.SetType(message.Acknowledgement)
	m.SetMessageID(req.MessageID())
	return m
}

func resetFor(req *pool.Message) *pool.Message {
	m := pool.NewMessage(context.Background())
	m.SetCode(codes.Empty)
	m.SetType(message.Reset)
	m.SetMessageID(req.MessageID())
	return m
}

// separate builds the confirmable response of a separate response flow.
func separate(req *pool.Message, mid int32, code codes.Code, payload []byte) *pool.Message {
	m := pool.NewMessage(context.Background())
	m.SetCode(code)
	m.SetType(message.Confirmable)
	m.SetMessageID(mid)
	m.SetToken(cloneToken(req.Token()))
	if len(payload) > 0 {
		m.SetBody(bytes.NewReader(payload))
	}
	return m
}

func nonResponse(req *pool.Message, code codes.Code, payload []byte) *pool.Message {
	m := pool.NewMessage(context.Background())
	m.SetCode(code)
	m.SetType(message.NonConfirmable)
	m.SetMessageID(req.MessageID() + 1)
	m.SetToken(cloneToken(req.Token()))
	if len(payload) > 0 {
		m.SetBody(bytes.NewReader(payload))
	}
	return m
}

func conMessage(mid int32, token []byte, code codes.Code, payload []byte) *pool.Message {
	m := pool.NewMessage(context.Background())
	m.SetCode(code)
	m.SetType(message.Confirmable)
	m.SetMessageID(mid)
	m.SetToken(message.Token(token))
	if len(payload) > 0 {
		m.SetBody(bytes.NewReader(payload))
	}
	return m
}

// recordingListener captures lifecycle hook invocations.
type recordingListener struct {
	mu          sync.Mutex
	authErr     error
	connects    int
	disconnects int
	responses   []string
	retransmits []int
	timeouts    int
	notified    []uint32
}

func (l *recordingListener) AuthorizeRequest(ctx context.Context, info *events.Info) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.authErr
}

func (l *recordingListener) OnConnect(ctx context.Context, info *events.Info) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
}

func (l *recordingListener) OnDisconnect(ctx context.Context, info *events.Info, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *recordingListener) OnResponse(ctx context.Context, info *events.Info, code string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses = append(l.responses, code)
}

func (l *recordingListener) OnRetransmit(ctx context.Context, info *events.Info, attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retransmits = append(l.retransmits, attempt)
}

func (l *recordingListener) OnTimeout(ctx context.Context, info *events.Info) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeouts++
}

func (l *recordingListener) OnNotification(ctx context.Context, info *events.Info, seq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notified = append(l.notified, seq)
}

func (l *recordingListener) counts() (connects, disconnects, timeouts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects, l.disconnects, l.timeouts
}

func (l *recordingListener) attempts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.retransmits))
	copy(out, l.retransmits)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(addr string) Config {
	return Config{
		Address:         addr,
		AckTimeout:      250 * time.Millisecond,
		AckRandomFactor: 1,
		RequestTimeout:  5 * time.Second,
		Logger:          discardLogger(),
	}
}

func dialClient(t *testing.T, cfg Config) *Client {
	t.Helper()

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		desc string
		cfg  Config
	}{
		{desc: "missing address", cfg: Config{}},
		{desc: "unknown scheme", cfg: Config{Address: "localhost:5683", Scheme: "carrier-pigeon"}},
		{desc: "random factor below one", cfg: Config{Address: "localhost:5683", AckRandomFactor: 0.5}},
		{desc: "block size not a power of two", cfg: Config{Address: "localhost:5683", BlockSize: 100}},
		{desc: "block size out of range", cfg: Config{Address: "localhost:5683", BlockSize: 2048}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, errors.ErrInvalidConfig) {
				t.Fatalf("New() error = %v, want %v", err, errors.ErrInvalidConfig)
			}
		})
	}
}

func TestGetPiggybacked(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() == codes.GET {
			reply(piggyback(req, codes.Content, []byte("22.5")))
		}
	})
	c := dialClient(t, testConfig(srv.addr()))

	resp, err := c.Get(context.Background(), "/sensors/temperature")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Code != codes.Content {
		t.Fatalf("code = %v, want %v", resp.Code, codes.Content)
	}
	if !resp.IsSuccess() {
		t.Fatal("expected a success response")
	}
	if string(resp.Payload) != "22.5" {
		t.Fatalf("payload = %q, want %q", resp.Payload, "22.5")
	}

	st := c.Stats()
	if st.Sent.Confirmable != 1 {
		t.Fatalf("sent confirmable = %d, want 1", st.Sent.Confirmable)
	}
	if st.Received.Acknowledgement != 1 {
		t.Fatalf("received acknowledgement = %d, want 1", st.Received.Acknowledgement)
	}
}

func TestSeparateResponse(t *testing.T) {
	const sepMID = 0x5051

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() == codes.GET {
			reply(emptyAck(req), separate(req, sepMID, codes.Content, []byte("deferred")))
		}
	})
	c := dialClient(t, testConfig(srv.addr()))

	resp, err := c.Get(context.Background(), "/slow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(resp.Payload) != "deferred" {
		t.Fatalf("payload = %q, want %q", resp.Payload, "deferred")
	}
	if resp.Type != message.Confirmable {
		t.Fatalf("response type = %v, want %v", resp.Type, message.Confirmable)
	}

	// The confirmable response must be acknowledged.
	waitFor(t, time.Second, "acknowledgement of the separate response", func() bool {
		return countDatagrams(srv, func(m *pool.Message) bool {
			return m.Type() == message.Acknowledgement && m.Code() == codes.Empty && m.MessageID() == sepMID
		}) == 1
	})
}

func TestRetransmitReusesBytes(t *testing.T) {
	var calls atomic.Int32
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if calls.Add(1) == 1 {
			return // swallow the first transmission
		}
		reply(piggyback(req, codes.Content, nil))
	})

	cfg := testConfig(srv.addr())
	cfg.AckTimeout = 100 * time.Millisecond
	lst := &recordingListener{}
	cfg.Listener = lst
	c := dialClient(t, cfg)

	if _, err := c.Get(context.Background(), "/flaky"); err != nil {
		t.Fatalf("get: %v", err)
	}

	recvd := srv.received()
	if len(recvd) < 2 {
		t.Fatalf("received %d datagrams, want at least 2", len(recvd))
	}
	if !bytes.Equal(recvd[0].data, recvd[1].data) {
		t.Fatal("retransmission differs from the original datagram")
	}
	if got := c.Stats().Retransmissions; got != 1 {
		t.Fatalf("retransmissions = %d, want 1", got)
	}
	if got := lst.attempts(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("retransmit attempts = %v, want [1]", got)
	}
}

func TestTimeoutAfterExhaustion(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {})

	cfg := testConfig(srv.addr())
	cfg.AckTimeout = 40 * time.Millisecond
	cfg.MaxRetransmit = 2
	lst := &recordingListener{}
	cfg.Listener = lst
	c := dialClient(t, cfg)

	_, err := c.Get(context.Background(), "/void")
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("get error = %v, want %v", err, errors.ErrTimeout)
	}

	// Initial transmission plus MaxRetransmit resends.
	if got := len(srv.received()); got != 3 {
		t.Fatalf("received %d datagrams, want 3", got)
	}
	if got := c.Stats().Timeouts; got != 1 {
		t.Fatalf("timeouts = %d, want 1", got)
	}
	if _, _, timeouts := lst.counts(); timeouts != 1 {
		t.Fatalf("listener timeouts = %d, want 1", timeouts)
	}
}

func TestResetFailsExchange(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		reply(resetFor(req))
	})
	c := dialClient(t, testConfig(srv.addr()))

	_, err := c.Get(context.Background(), "/gone")
	if !errors.Is(err, errors.ErrReset) {
		t.Fatalf("get error = %v, want %v", err, errors.ErrReset)
	}
}

func TestPing(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Type() == message.Confirmable && req.Code() == codes.Empty {
			reply(resetFor(req))
		}
	})
	c := dialClient(t, testConfig(srv.addr()))

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	st := c.Stats()
	if st.Sent.Confirmable != 1 {
		t.Fatalf("sent confirmable = %d, want 1", st.Sent.Confirmable)
	}
	if st.Received.Reset != 1 {
		t.Fatalf("received reset = %d, want 1", st.Received.Reset)
	}
}

func TestNonConfirmableSingleShot(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Type() == message.NonConfirmable && req.Code() == codes.GET {
			reply(nonResponse(req, codes.Content, []byte("ok")))
		}
	})
	c := dialClient(t, testConfig(srv.addr()))

	resp, err := c.Do(context.Background(), &Request{Code: codes.GET, Path: "/fire", NonConfirmable: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(resp.Payload) != "ok" {
		t.Fatalf("payload = %q, want %q", resp.Payload, "ok")
	}
	if got := len(srv.received()); got != 1 {
		t.Fatalf("received %d datagrams, want 1", got)
	}

	st := c.Stats()
	if st.Sent.NonConfirmable != 1 || st.Received.NonConfirmable != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
}

func TestDuplicateGetsSameReply(t *testing.T) {
	const dupMID = 0x3033

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() == codes.GET {
			first := separate(req, dupMID, codes.Content, []byte("late"))
			second := separate(req, dupMID, codes.Content, []byte("late"))
			reply(emptyAck(req), first, second)
		}
	})
	c := dialClient(t, testConfig(srv.addr()))

	resp, err := c.Get(context.Background(), "/dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(resp.Payload) != "late" {
		t.Fatalf("payload = %q, want %q", resp.Payload, "late")
	}

	// Both the original and the duplicate draw an ACK, the duplicate
	// without being delivered again.
	waitFor(t, time.Second, "both acknowledgements", func() bool {
		return countDatagrams(srv, func(m *pool.Message) bool {
			return m.Type() == message.Acknowledgement && m.Code() == codes.Empty && m.MessageID() == dupMID
		}) == 2
	})
	waitFor(t, time.Second, "duplicate counter", func() bool {
		return c.Stats().DuplicatesSuppressed == 1
	})
}

func TestUnsolicitedConfirmableRejected(t *testing.T) {
	const rogueMID = 0x4044

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() == codes.GET {
			rogue := conMessage(rogueMID, []byte{0xde, 0xad, 0xbe, 0xef}, codes.Content, []byte("spurious"))
			reply(piggyback(req, codes.Content, []byte("ok")), rogue)
		}
	})
	c := dialClient(t, testConfig(srv.addr()))

	if _, err := c.Get(context.Background(), "/x"); err != nil {
		t.Fatalf("get: %v", err)
	}

	waitFor(t, time.Second, "reset for the unmatched confirmable", func() bool {
		return countDatagrams(srv, func(m *pool.Message) bool {
			return m.Type() == message.Reset && m.Code() == codes.Empty && m.MessageID() == rogueMID
		}) == 1
	})
	waitFor(t, time.Second, "reject counter", func() bool {
		return c.Stats().RejectsSent == 1
	})
}

func TestPiggybackedTokenMismatch(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		m := piggyback(req, codes.Content, nil)
		m.SetToken(message.Token{0xba, 0xad})
		reply(m)
	})
	c := dialClient(t, testConfig(srv.addr()))

	_, err := c.Get(context.Background(), "/x")
	if !errors.Is(err, errors.ErrUnexpectedResponse) {
		t.Fatalf("get error = %v, want %v", err, errors.ErrUnexpectedResponse)
	}
}

func TestAuthorizeVeto(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		t.Error("request reached the server despite the veto")
	})

	cfg := testConfig(srv.addr())
	cfg.Listener = &recordingListener{authErr: errors.ErrRateLimited}
	c := dialClient(t, cfg)

	_, err := c.Get(context.Background(), "/forbidden")
	if !errors.Is(err, errors.ErrRateLimited) {
		t.Fatalf("get error = %v, want %v", err, errors.ErrRateLimited)
	}
	if got := len(srv.received()); got != 0 {
		t.Fatalf("received %d datagrams, want 0", got)
	}
}

func TestCloseLifecycle(t *testing.T) {
	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() == codes.GET {
			reply(piggyback(req, codes.Content, []byte("pong")))
		}
	})

	cfg := testConfig(srv.addr())
	lst := &recordingListener{}
	cfg.Listener = lst

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if _, err := c.Get(context.Background(), "/x"); !errors.Is(err, errors.ErrNotConnected) {
		t.Fatalf("get before connect = %v, want %v", err, errors.ErrNotConnected)
	}

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(ctx); err == nil {
		t.Fatal("second connect should fail while connected")
	}
	if _, err := c.Get(ctx, "/x"); err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want %v", got, StateDisconnected)
	}
	if _, err := c.Get(ctx, "/x"); !errors.Is(err, errors.ErrNotConnected) {
		t.Fatalf("get after close = %v, want %v", err, errors.ErrNotConnected)
	}

	// The same client can connect again.
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if _, err := c.Get(ctx, "/x"); err != nil {
		t.Fatalf("get after reconnect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("final close: %v", err)
	}

	connects, disconnects, _ := lst.counts()
	if connects != 2 || disconnects != 2 {
		t.Fatalf("connects = %d, disconnects = %d, want 2 and 2", connects, disconnects)
	}
}

func TestNStartSerializesConfirmables(t *testing.T) {
	var wg sync.WaitGroup
	var gets atomic.Int32

	srv := newUDPServer(t, func(req *pool.Message, reply replyFunc) {
		if req.Code() != codes.GET {
			return
		}
		if gets.Add(1) == 1 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(200 * time.Millisecond)
				reply(piggyback(req, codes.Content, []byte("slow")))
			}()
			return
		}
		reply(piggyback(req, codes.Content, []byte("fast")))
	})
	t.Cleanup(wg.Wait)

	cfg := testConfig(srv.addr())
	cfg.AckTimeout = time.Second
	c := dialClient(t, cfg)

	var reqs sync.WaitGroup
	for i := 0; i < 2; i++ {
		reqs.Add(1)
		go func() {
			defer reqs.Done()
			if _, err := c.Get(context.Background(), "/serial"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	reqs.Wait()

	var arrivals []time.Time
	for _, d := range srv.received() {
		m := pool.NewMessage(context.Background())
		if _, err := m.UnmarshalWithDecoder(udpcoder.DefaultCoder, d.data); err != nil {
			continue
		}
		if m.Code() == codes.GET {
			arrivals = append(arrivals, d.at)
		}
	}
	if len(arrivals) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(arrivals))
	}
	if gap := arrivals[1].Sub(arrivals[0]); gap < 150*time.Millisecond {
		t.Fatalf("second request left after %v, want at least 150ms", gap)
	}
}
