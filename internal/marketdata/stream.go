package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"futuresfleet/logger"
)

// symbolStream owns the single upstream connection of one symbol and every interval buffer
// fed by it. It runs an explicit state machine:
//
//	CONNECTING -> STREAMING -> BACKOFF -> CONNECTING ... -> DISABLED
//
// failures counts consecutive failed cycles and is cleared when STREAMING is reached.
type symbolStream struct {
	hub    *Hub
	symbol string
	log    *logger.Entry

	mu         sync.Mutex
	buffers    map[string]*Buffer
	subs       map[uint64]*Subscription
	price      float64
	priceAt    time.Time
	state      State
	failures   int
	reconnects int
	skipped    int
	connected  bool // set after the first successful dial
	conn       *websocket.Conn
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}

	writeMu sync.Mutex
	frameID atomic.Int64
}

func newSymbolStream(h *Hub, symbol string) *symbolStream {
	return &symbolStream{
		hub:     h,
		symbol:  symbol,
		log:     h.log.WithComponent("marketdata").WithFields(logger.Fields{"symbol": symbol}),
		buffers: make(map[string]*Buffer),
		subs:    make(map[uint64]*Subscription),
		state:   StateStopped,
	}
}

// start launches the connection loop unless it is already running.
func (s *symbolStream) start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.hub.ctx)
	s.running = true
	s.failures = 0
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
}

// stop cancels the loop and waits for it to exit.
func (s *symbolStream) stop() {
	s.mu.Lock()
	cancel, conn, done := s.cancel, s.conn, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.setState(StateStopped)
}

func (s *symbolStream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	cfg := s.hub.cfg
	b := &backoff.Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax, Factor: 2}

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		dialed := s.intervals()
		conn, err := s.dial(ctx, dialed)
		if err == nil {
			s.onConnected(conn)
			b.Reset()
			s.catchUp(dialed)
			err = s.consume(ctx, conn)
			s.onDisconnected(conn)
			if ctx.Err() != nil {
				return
			}
		}

		failures := s.recordFailure()
		if failures >= cfg.MaxRetries {
			s.disable(err)
			return
		}

		delay := b.Duration()
		s.setState(StateBackoff)
		s.log.WithError(err).WithFields(logger.Fields{
			"attempt":  failures,
			"delay_ms": delay.Milliseconds(),
		}).Warn("market data stream failed, backing off")
		if s.hub.onBackoff != nil {
			s.hub.onBackoff(s.symbol, failures, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *symbolStream) streamURL(intervals []string) string {
	return s.hub.cfg.BaseURL + "/stream?streams=" + strings.Join(streamNames(s.symbol, intervals), "/")
}

func (s *symbolStream) dial(ctx context.Context, intervals []string) (*websocket.Conn, error) {
	url := s.streamURL(intervals)
	conn, resp, err := s.hub.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

func (s *symbolStream) onConnected(conn *websocket.Conn) {
	s.mu.Lock()
	if s.connected {
		s.reconnects++
	}
	s.conn = conn
	s.connected = true
	s.failures = 0
	s.mu.Unlock()

	s.setState(StateStreaming)
	s.log.Info("market data stream connected")
}

func (s *symbolStream) onDisconnected(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *symbolStream) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

func (s *symbolStream) disable(cause error) {
	s.mu.Lock()
	s.running = false
	s.state = StateDisabled
	failures := s.failures
	for _, sub := range s.subs {
		sub.deliver(Event{Kind: EventStreamDisabled, Symbol: s.symbol, Interval: sub.interval, Time: s.hub.now()})
	}
	s.mu.Unlock()

	s.log.WithError(cause).WithFields(logger.Fields{"failures": failures}).Error("market data stream disabled")
	if s.hub.onState != nil {
		s.hub.onState(s.symbol, StateDisabled)
	}
}

func (s *symbolStream) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.hub.onState != nil {
		s.hub.onState(s.symbol, st)
	}
}

// consume reads frames until the connection fails. Any frame or pong counts as activity;
// after LivenessTimeout of silence the watchdog sends a ping and the read deadline leaves
// ProbeTimeout for an answer.
func (s *symbolStream) consume(ctx context.Context, conn *websocket.Conn) error {
	cfg := s.hub.cfg
	var lastActivity atomic.Int64
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(cfg.LivenessTimeout + cfg.ProbeTimeout)) }

	touch()
	conn.SetPongHandler(func(string) error {
		touch()
		return extend()
	})
	conn.SetPingHandler(func(data string) error {
		touch()
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log.WithError(err).Debug("failed to answer ping")
		}
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.watchdog(ctx, conn, &lastActivity, stop)

	for {
		if err := extend(); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		touch()
		if msgType != websocket.TextMessage {
			continue
		}
		s.handle(raw)
	}
}

func (s *symbolStream) watchdog(ctx context.Context, conn *websocket.Conn, lastActivity *atomic.Int64, stop <-chan struct{}) {
	cfg := s.hub.cfg
	tick := cfg.LivenessTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	probing := false
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle < cfg.LivenessTimeout {
				probing = false
				continue
			}
			if probing {
				continue
			}
			probing = true
			s.log.WithFields(logger.Fields{"idle_ms": idle.Milliseconds()}).Debug("stream silent, sending ping")
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.ProbeTimeout)); err != nil {
				s.log.WithError(err).Warn("keepalive ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *symbolStream) handle(raw []byte) {
	msg, err := parseMessage(raw)
	if err != nil {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.log.WithError(err).Warn("skipping malformed market data message")
		return
	}

	switch msg.kind {
	case messageTicker:
		s.onTicker(msg)
	case messageKline:
		if msg.closed {
			s.onCandleClosed(msg.interval, msg.candle)
		}
	}
}

func (s *symbolStream) onTicker(msg message) {
	now := s.hub.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = msg.price
	s.priceAt = now
	for _, sub := range s.subs {
		sub.deliver(Event{Kind: EventTicker, Symbol: s.symbol, Interval: sub.interval, Price: msg.price, Time: now})
	}
}

func (s *symbolStream) onCandleClosed(interval string, c Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[interval]
	if !ok {
		return
	}
	if !buf.Append(c) {
		return
	}
	window := buf.Window()
	for _, sub := range s.subs {
		if sub.interval != interval {
			continue
		}
		own := make([]Candle, len(window))
		copy(own, window)
		sub.deliver(Event{Kind: EventCandleClosed, Symbol: s.symbol, Interval: interval, Candle: c, Window: own, Time: c.CloseTime})
	}
}

// addSubscriber registers sub and reports whether its interval is new to the stream.
func (s *symbolStream) addSubscriber(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.id] = sub
	if _, ok := s.buffers[sub.interval]; ok {
		return false
	}
	s.buffers[sub.interval] = NewBuffer(s.hub.cfg.CandleCapacity)
	return true
}

// removeSubscriber unregisters sub, closes its channel and returns the remaining count.
func (s *symbolStream) removeSubscriber(sub *Subscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		close(sub.events)
	}
	return len(s.subs)
}

// subscribeInterval asks a live connection for an extra kline stream. When the frame cannot be
// written the connection is dropped so the reconnect URL carries the interval.
func (s *symbolStream) subscribeInterval(interval string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	frame := controlFrame{
		Method: "SUBSCRIBE",
		Params: []string{strings.ToLower(s.symbol) + "@kline_" + interval},
		ID:     s.frameID.Add(1),
	}
	s.writeMu.Lock()
	err := conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"interval": interval}).Warn("subscribe frame failed, forcing reconnect")
		_ = conn.Close()
	}
}

// catchUp subscribes intervals added while the dial was in flight.
func (s *symbolStream) catchUp(dialed []string) {
	have := make(map[string]struct{}, len(dialed))
	for _, iv := range dialed {
		have[iv] = struct{}{}
	}
	for _, iv := range s.intervals() {
		if _, ok := have[iv]; !ok {
			s.subscribeInterval(iv)
		}
	}
}

func (s *symbolStream) intervals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buffers))
	for iv := range s.buffers {
		out = append(out, iv)
	}
	sort.Strings(out)
	return out
}

func (s *symbolStream) buffer(interval string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[interval]
}

func (s *symbolStream) lastPrice() (float64, time.Time, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, s.priceAt, s.state
}

func (s *symbolStream) stats() StreamStats {
	ivs := s.intervals()
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStats{
		Symbol:      s.symbol,
		State:       s.state,
		Failures:    s.failures,
		Subscribers: len(s.subs),
		Intervals:   ivs,
		LastPrice:   s.price,
		PriceTime:   s.priceAt,
		Reconnects:  s.reconnects,
		Skipped:     s.skipped,
	}
}

func (s *symbolStream) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
