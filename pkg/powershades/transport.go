package powershades

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the per-attempt reply timeout.
	DefaultTimeout = 1 * time.Second

	// DefaultRetries is the number of retransmissions after the first attempt.
	DefaultRetries = 3

	// DefaultRecentTTL is how long a satisfied sequence is remembered to
	// recognise duplicate replies.
	DefaultRecentTTL = 30 * time.Second

	readBufferSize      = 1500
	writeQueueSize      = 64
	unsolicitedQueue    = 64
	unsolicitedWorkers  = 2
	readErrorBackoff    = 50 * time.Millisecond
	recentPruneInterval = 256
)

// Target addresses one controller channel.
type Target struct {
	Host    string
	Port    int
	Channel uint8
}

func (t Target) port() int {
	if t.Port == 0 {
		return Port
	}
	return t.Port
}

// HostPort returns the host:port form used for dialing.
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.port()))
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%d", t.HostPort(), t.Channel)
}

// ExchangeOptions sets the retry budget of a single exchange.
type ExchangeOptions struct {
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	// Retries is the number of retransmissions after the first attempt.
	Retries int
}

func (o ExchangeOptions) attempts() int {
	if o.Retries < 0 {
		return 1
	}
	return o.Retries + 1
}

func (o ExchangeOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Budget is the longest an exchange with these options can take.
func (o ExchangeOptions) Budget() time.Duration {
	return time.Duration(o.attempts()) * o.timeout()
}

// Response is the reply that completed an exchange.
type Response struct {
	*Reply
	Attempts int
	Elapsed  time.Duration
}

// Instrument receives transport measurements.
type Instrument struct {
	RecordExchange func(op Opcode, attempts int, elapsed time.Duration, err error)
	RecordDatagram func(event string)
}

// Datagram events reported to Instrument.RecordDatagram.
const (
	DatagramTx          = "tx"
	DatagramRx          = "rx"
	DatagramRetransmit  = "retransmit"
	DatagramDuplicate   = "duplicate"
	DatagramMalformed   = "malformed"
	DatagramMismatch    = "mismatch"
	DatagramUnsolicited = "unsolicited"
	DatagramDropped     = "dropped"
)

// Stats holds transport counters.
type Stats struct {
	DatagramsTx  uint64
	DatagramsRx  uint64
	Retransmits  uint64
	Timeouts     uint64
	Duplicates   uint64
	Malformed    uint64
	Unsolicited  uint64
	Dropped      uint64
	Pending      int
	LastActivity time.Time
	LocalAddress string
}

// Transport exchanges frames with controllers.
type Transport interface {
	// Exchange sends frame to target and waits for the reply echoing its
	// opcode and sequence, retransmitting the same bytes on every timeout.
	Exchange(ctx context.Context, target Target, frame Frame, opts ExchangeOptions) (Response, error)
	// SetOnUnsolicited registers the handler for decoded replies that match
	// no exchange. It runs on a worker goroutine.
	SetOnUnsolicited(handler func(from Target, reply *Reply))
	Stats() Stats
	Close() error
}

var _ Transport = (*UDPTransport)(nil)

// Config configures a UDPTransport.
type Config struct {
	// BindAddress is the local address; empty binds an ephemeral port on all interfaces.
	BindAddress string
	// RecentTTL is how long completed sequences are remembered.
	RecentTTL  time.Duration
	Instrument []Instrument
}

type pendingKey struct {
	host    string
	channel uint8
	seq     uint8
}

type waiter struct {
	op Opcode
	ch chan *Reply
}

type recentEntry struct {
	op Opcode
	at time.Time
}

// writeRequest carries the exchange context so the writer can drop a
// request cancelled while it was queued.
type writeRequest struct {
	ctx    context.Context
	addr   *net.UDPAddr
	data   []byte
	result chan error
}

type unsolicitedReply struct {
	from  Target
	reply *Reply
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// UDPTransport shares one UDP socket between all exchanges. A single writer
// goroutine owns socket writes and a listener goroutine owns reads; replies
// are routed to waiting exchanges by (host, channel, sequence).
type UDPTransport struct {
	conn      *net.UDPConn
	recentTTL time.Duration
	logger    *zap.Logger
	inst      []Instrument

	writes  chan writeRequest
	queue   chan unsolicitedReply
	done    *closeOnce
	wg      sync.WaitGroup
	closeMu sync.Once

	mu      sync.Mutex
	pending map[pendingKey]*waiter
	recent  map[pendingKey]recentEntry
	inserts int

	handlerMu sync.RWMutex
	handler   func(Target, *Reply)

	datagramsTx  atomic.Uint64
	datagramsRx  atomic.Uint64
	retransmits  atomic.Uint64
	timeouts     atomic.Uint64
	duplicates   atomic.Uint64
	malformed    atomic.Uint64
	unsolicited  atomic.Uint64
	dropped      atomic.Uint64
	lastActivity atomic.Int64
}

// NewUDPTransport binds the socket and starts the writer, listener and
// unsolicited workers.
func NewUDPTransport(cfg Config, logger *zap.Logger) (*UDPTransport, error) {
	bind := cfg.BindAddress
	if bind == "" {
		bind = ":0"
	}
	laddr, err := net.ResolveUDPAddr("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("%w: bind address %q: %w", ErrSocket, bind, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrSocket, bind, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.RecentTTL
	if ttl <= 0 {
		ttl = DefaultRecentTTL
	}
	t := &UDPTransport{
		conn:      conn,
		recentTTL: ttl,
		logger:    logger.With(zap.String("component", "transport")),
		inst:      cfg.Instrument,
		writes:    make(chan writeRequest, writeQueueSize),
		queue:     make(chan unsolicitedReply, unsolicitedQueue),
		done:      newCloseOnce(),
		pending:   make(map[pendingKey]*waiter),
		recent:    make(map[pendingKey]recentEntry),
	}

	t.wg.Add(2 + unsolicitedWorkers)
	go t.writeLoop()
	go t.receiveLoop()
	for i := 0; i < unsolicitedWorkers; i++ {
		go t.unsolicitedWorker()
	}
	t.logger.Debug("transport: listening", zap.String("local", conn.LocalAddr().String()))
	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDPTransport) Exchange(ctx context.Context, target Target, frame Frame, opts ExchangeOptions) (Response, error) {
	start := time.Now()
	resp, err := t.exchange(ctx, target, frame, opts)
	resp.Elapsed = time.Since(start)
	for i := range t.inst {
		if t.inst[i].RecordExchange != nil {
			t.inst[i].RecordExchange(frame.Op, resp.Attempts, resp.Elapsed, err)
		}
	}
	return resp, err
}

func (t *UDPTransport) exchange(ctx context.Context, target Target, frame Frame, opts ExchangeOptions) (Response, error) {
	if t.isClosed() {
		return Response{}, ErrClosed
	}
	data, err := frame.Encode()
	if err != nil {
		return Response{}, err
	}
	if target.Host == "" {
		return Response{}, fmt.Errorf("%w: empty host", ErrAddressUnreachable)
	}
	raddr, err := net.ResolveUDPAddr("udp4", target.HostPort())
	if err != nil {
		return Response{}, fmt.Errorf("%w: resolve %s: %w", ErrAddressUnreachable, target.HostPort(), err)
	}

	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	key := pendingKey{host: raddr.IP.String(), channel: target.Channel, seq: frame.Seq}
	w, err := t.register(key, frame.Op)
	if err != nil {
		return Response{}, err
	}
	defer t.complete(key, w)

	var resp Response
	for resp.Attempts < opts.attempts() {
		if err := ctx.Err(); err != nil {
			return resp, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		resp.Attempts++
		if resp.Attempts > 1 {
			t.retransmits.Add(1)
			t.record(DatagramRetransmit)
			t.logger.Debug("transport: retransmit", zap.Stringer("target", target), zap.Stringer("frame", frame), zap.Int("attempt", resp.Attempts))
		}
		if err := t.write(ctx, raddr, data); err != nil {
			return resp, err
		}

		timer := time.NewTimer(opts.timeout())
		select {
		case reply := <-w.ch:
			timer.Stop()
			resp.Reply = reply
			return resp, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return resp, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-t.done.Done():
			timer.Stop()
			return resp, ErrClosed
		}
	}
	t.timeouts.Add(1)
	return resp, fmt.Errorf("%w: %s to %s after %d attempts", ErrTimeout, frame.Op, target, resp.Attempts)
}

func (t *UDPTransport) register(key pendingKey, op Opcode) (*waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.pending[key]; busy {
		return nil, fmt.Errorf("%w: seq %d ch %d on %s", ErrSequenceInUse, key.seq, key.channel, key.host)
	}
	// a reused sequence must not be mistaken for a duplicate of the old one
	delete(t.recent, key)
	w := &waiter{op: op, ch: make(chan *Reply, 1)}
	t.pending[key] = w
	return w, nil
}

// complete removes the waiter and remembers the key, so late or repeated
// replies to any attempt are dropped as duplicates.
func (t *UDPTransport) complete(key pendingKey, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] == w {
		delete(t.pending, key)
		t.rememberLocked(key, w.op)
	}
}

func (t *UDPTransport) rememberLocked(key pendingKey, op Opcode) {
	now := time.Now()
	t.recent[key] = recentEntry{op: op, at: now}
	t.inserts++
	if t.inserts%recentPruneInterval == 0 {
		for k, e := range t.recent {
			if now.Sub(e.at) > t.recentTTL {
				delete(t.recent, k)
			}
		}
	}
}

func (t *UDPTransport) write(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	req := writeRequest{ctx: ctx, addr: addr, data: data, result: make(chan error, 1)}
	select {
	case t.writes <- req:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-t.done.Done():
		return ErrClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-t.done.Done():
		return ErrClosed
	}
}

func (t *UDPTransport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done.Done():
			return
		case req := <-t.writes:
			// a request cancelled while queued is dropped, so a superseded
			// frame never follows the frame that replaced it
			if err := req.ctx.Err(); err != nil {
				req.result <- fmt.Errorf("%w: %w", ErrCancelled, err)
				continue
			}
			_, err := t.conn.WriteToUDP(req.data, req.addr)
			if err != nil {
				req.result <- classifyWriteError(req.addr, err)
				continue
			}
			t.datagramsTx.Add(1)
			t.lastActivity.Store(time.Now().UnixMilli())
			t.record(DatagramTx)
			req.result <- nil
		}
	}
}

func classifyWriteError(addr *net.UDPAddr, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return fmt.Errorf("%w: %s: %w", ErrAddressUnreachable, addr, err)
	}
	return fmt.Errorf("%w: write %s: %w", ErrSocket, addr, err)
}

func (t *UDPTransport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.isClosed() {
				return
			}
			t.logger.Warn("transport: read error", zap.Error(err))
			time.Sleep(readErrorBackoff)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.handleDatagram(from, data)
	}
}

func (t *UDPTransport) handleDatagram(from *net.UDPAddr, data []byte) {
	t.datagramsRx.Add(1)
	t.lastActivity.Store(time.Now().UnixMilli())
	t.record(DatagramRx)

	reply, err := DecodeReply(data)
	if err != nil {
		// malformed replies never complete an exchange; it keeps waiting for its own timeout
		t.malformed.Add(1)
		t.record(DatagramMalformed)
		t.logger.Warn("transport: malformed datagram", zap.String("from", from.String()), zap.Error(err))
		return
	}

	key := pendingKey{host: from.IP.String(), channel: reply.Channel, seq: reply.Seq}

	t.mu.Lock()
	w, ok := t.pending[key]
	if ok && w.op == reply.Op {
		delete(t.pending, key)
		t.rememberLocked(key, w.op)
		t.mu.Unlock()
		w.ch <- reply
		return
	}
	seen, dup := t.recent[key]
	t.mu.Unlock()

	if ok {
		t.record(DatagramMismatch)
		t.logger.Warn("transport: reply opcode mismatch", zap.String("from", from.String()),
			zap.Stringer("want", w.op), zap.Stringer("got", reply.Op))
		return
	}
	if dup && seen.op == reply.Op && time.Since(seen.at) <= t.recentTTL {
		t.duplicates.Add(1)
		t.record(DatagramDuplicate)
		t.logger.Debug("transport: duplicate reply dropped", zap.String("from", from.String()), zap.Stringer("frame", reply.Frame))
		return
	}

	t.unsolicited.Add(1)
	t.record(DatagramUnsolicited)
	select {
	case t.queue <- unsolicitedReply{from: Target{Host: from.IP.String(), Port: from.Port, Channel: reply.Channel}, reply: reply}:
	default:
		t.dropped.Add(1)
		t.record(DatagramDropped)
		t.logger.Warn("transport: unsolicited queue full, dropping reply", zap.Stringer("frame", reply.Frame))
	}
}

func (t *UDPTransport) unsolicitedWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done.Done():
			return
		case msg := <-t.queue:
			t.handlerMu.RLock()
			handler := t.handler
			t.handlerMu.RUnlock()
			if handler == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.logger.Error("transport: unsolicited handler panic", zap.Any("panic", r))
					}
				}()
				handler(msg.from, msg.reply)
			}()
		}
	}
}

func (t *UDPTransport) SetOnUnsolicited(handler func(from Target, reply *Reply)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *UDPTransport) Stats() Stats {
	t.mu.Lock()
	pending := len(t.pending)
	t.mu.Unlock()
	var last time.Time
	if ms := t.lastActivity.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return Stats{
		DatagramsTx:  t.datagramsTx.Load(),
		DatagramsRx:  t.datagramsRx.Load(),
		Retransmits:  t.retransmits.Load(),
		Timeouts:     t.timeouts.Load(),
		Duplicates:   t.duplicates.Load(),
		Malformed:    t.malformed.Load(),
		Unsolicited:  t.unsolicited.Load(),
		Dropped:      t.dropped.Load(),
		Pending:      pending,
		LastActivity: last,
		LocalAddress: t.conn.LocalAddr().String(),
	}
}

// Close stops all goroutines and closes the socket. Pending exchanges
// return ErrClosed. Safe to call more than once.
func (t *UDPTransport) Close() error {
	var err error
	t.closeMu.Do(func() {
		t.done.Close()
		err = t.conn.Close()
		t.wg.Wait()
		t.logger.Debug("transport: closed")
	})
	return err
}

func (t *UDPTransport) isClosed() bool {
	select {
	case <-t.done.Done():
		return true
	default:
		return false
	}
}

func (t *UDPTransport) record(event string) {
	for i := range t.inst {
		if t.inst[i].RecordDatagram != nil {
			t.inst[i].RecordDatagram(event)
		}
	}
}
