package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/market"
)

const (
	heartbeatInterval = 5 * time.Second
	staleThreshold    = 20 * time.Second
	backoffInitial    = 500 * time.Millisecond
	backoffMax        = 30 * time.Second
	backfillBars      = 20
	defaultMaxBuffer  = 500
)

// Handler receives exactly one call per closed bar.
type Handler func(symbol string, candle market.Candle)

// Bootstrapper is the REST side of the stream, used to seed and backfill
// the candle buffer.
type Bootstrapper interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

// Stream maintains one kline WebSocket per subscribed symbol with a bounded
// candle buffer, heartbeat supervision and reconnect backoff.
type Stream struct {
	rest      Bootstrapper
	bus       *events.Bus
	logger    zerolog.Logger
	wsBaseURL string
	maxBuffer int

	mu      sync.RWMutex
	symbols map[string]*symbolStream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type symbolStream struct {
	symbol   string
	interval string
	handler  Handler

	mu          sync.RWMutex
	buf         *ring
	trailing    *market.Candle
	lastMessage time.Time
	unstable    bool
	reconnects  int64
}

// New creates a stream supervisor. wsBaseURL defaults to the Binance
// combined-stream endpoint.
func New(rest Bootstrapper, bus *events.Bus, logger zerolog.Logger, wsBaseURL string) *Stream {
	if wsBaseURL == "" {
		wsBaseURL = "wss://stream.binance.com:9443/ws"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		rest:      rest,
		bus:       bus,
		logger:    logger,
		wsBaseURL: wsBaseURL,
		maxBuffer: defaultMaxBuffer,
		symbols:   make(map[string]*symbolStream),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Bootstrap seeds the buffer with the last n closed bars via REST.
func (s *Stream) Bootstrap(ctx context.Context, symbol, interval string, n int) error {
	if n <= 0 || n > defaultMaxBuffer {
		n = defaultMaxBuffer
	}
	candles, err := s.rest.Klines(ctx, symbol, interval, n)
	if err != nil {
		s.markUnstable(symbol, true)
		return fmt.Errorf("bootstrap %s: %w", symbol, err)
	}

	ss := s.ensure(symbol, interval)
	ss.mu.Lock()
	for _, c := range candles {
		if c.Validate() == nil {
			ss.buf.upsert(c)
		}
	}
	count := ss.buf.len()
	ss.lastMessage = time.Now()
	ss.unstable = false
	ss.mu.Unlock()

	s.logger.Info().Str("symbol", symbol).Int("bars", count).Msg("bootstrapped candle buffer")
	return nil
}

// Subscribe opens the kline stream for symbol and invokes handler once per
// closed bar. It returns immediately; the stream runs until Close.
func (s *Stream) Subscribe(symbol, interval string, handler Handler) {
	ss := s.ensure(symbol, interval)
	ss.handler = handler

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ss)
	}()
}

// Buffer returns a copy of the buffered bars for symbol, oldest first.
func (s *Stream) Buffer(symbol string) []market.Candle {
	s.mu.RLock()
	ss, ok := s.symbols[market.Normalize(symbol)]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.buf.snapshot()
}

// Latest returns the newest buffered bar for symbol.
func (s *Stream) Latest(symbol string) (market.Candle, bool) {
	s.mu.RLock()
	ss, ok := s.symbols[market.Normalize(symbol)]
	s.mu.RUnlock()
	if !ok {
		return market.Candle{}, false
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.buf.latest()
}

// IsUnstable reports whether symbol's stream is stale or mid-reconnect.
func (s *Stream) IsUnstable(symbol string) bool {
	s.mu.RLock()
	ss, ok := s.symbols[market.Normalize(symbol)]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.unstable {
		return true
	}
	return !ss.lastMessage.IsZero() && time.Since(ss.lastMessage) > staleThreshold
}

// Close stops all symbol streams and waits for them to exit.
func (s *Stream) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Stream) ensure(symbol, interval string) *symbolStream {
	key := market.Normalize(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.symbols[key]; ok {
		return ss
	}
	ss := &symbolStream{symbol: key, interval: interval, buf: newRing(s.maxBuffer)}
	s.symbols[key] = ss
	return ss
}

func (s *Stream) markUnstable(symbol string, v bool) {
	s.mu.RLock()
	ss, ok := s.symbols[market.Normalize(symbol)]
	s.mu.RUnlock()
	if ok {
		ss.mu.Lock()
		ss.unstable = v
		ss.mu.Unlock()
	}
}

// run owns one symbol's connection lifecycle: connect, read until failure or
// staleness, backfill, reconnect with doubling backoff.
func (s *Stream) run(ss *symbolStream) {
	backoff := backoffInitial
	first := true
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if !first {
			ss.mu.Lock()
			ss.unstable = true
			ss.reconnects++
			ss.mu.Unlock()

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			s.backfill(ss)
		}
		first = false

		if err := s.consume(ss); err != nil {
			s.logger.Warn().Str("symbol", ss.symbol).Err(err).Msg("kline stream dropped")
			s.bus.PublishError("stream", "kline stream dropped for "+ss.symbol, err)
			continue
		}
		// clean shutdown
		return
	}
}

// consume reads one websocket connection until it fails, the heartbeat
// declares it stale, or the stream shuts down.
func (s *Stream) consume(ss *symbolStream) error {
	streamName := strings.ToLower(market.VenueSymbol(market.VenueBinance, ss.symbol)) + "@kline_" + ss.interval
	url := s.wsBaseURL + "/" + streamName

	dialCtx, cancelDial := context.WithTimeout(s.ctx, market.RequestTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	ss.mu.Lock()
	ss.unstable = false
	ss.lastMessage = time.Now()
	ss.mu.Unlock()

	// heartbeat closes the socket when no message arrives in time, which
	// unblocks ReadMessage below
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-s.ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				ss.mu.RLock()
				age := time.Since(ss.lastMessage)
				ss.mu.RUnlock()
				if age > staleThreshold {
					s.logger.Warn().Str("symbol", ss.symbol).Dur("age", age).Msg("stream stale, forcing reconnect")
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}

		ss.mu.Lock()
		ss.lastMessage = time.Now()
		ss.mu.Unlock()

		s.handleMessage(ss, payload)
	}
}

type klineMessage struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

func (s *Stream) handleMessage(ss *symbolStream, payload []byte) {
	var msg klineMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.EventType != "kline" {
		return
	}

	c := market.Candle{
		Symbol:    ss.symbol,
		Interval:  msg.Kline.Interval,
		OpenTime:  msg.Kline.OpenTime,
		CloseTime: msg.Kline.CloseTime,
		Open:      parseWSFloat(msg.Kline.Open),
		High:      parseWSFloat(msg.Kline.High),
		Low:       parseWSFloat(msg.Kline.Low),
		Close:     parseWSFloat(msg.Kline.Close),
		Volume:    parseWSFloat(msg.Kline.Volume),
		Closed:    msg.Kline.IsClosed,
	}
	if err := c.Validate(); err != nil {
		s.logger.Warn().Str("symbol", ss.symbol).Err(err).Msg("dropping invalid bar")
		return
	}

	if !c.Closed {
		ss.mu.Lock()
		ss.trailing = &c
		ss.mu.Unlock()
		return
	}

	ss.mu.Lock()
	fresh := ss.buf.upsert(c)
	ss.trailing = nil
	handler := ss.handler
	ss.mu.Unlock()

	if !fresh {
		return
	}

	lagMs := time.Now().UnixMilli() - c.CloseTime
	s.bus.PublishMarketUpdate(ss.symbol, lagMs, c.CloseTime, c.Close)
	if handler != nil {
		handler(ss.symbol, c)
	}
}

// backfill reconciles closes missed during a disconnect by upserting the
// most recent bars on identical open time.
func (s *Stream) backfill(ss *symbolStream) {
	ctx, cancel := context.WithTimeout(s.ctx, market.RequestTimeout)
	defer cancel()

	candles, err := s.rest.Klines(ctx, ss.symbol, ss.interval, backfillBars)
	if err != nil {
		s.logger.Warn().Str("symbol", ss.symbol).Err(err).Msg("backfill failed, keeping in-memory buffer")
		return
	}

	ss.mu.Lock()
	var missed int
	for _, c := range candles {
		if c.Validate() != nil {
			continue
		}
		if ss.buf.upsert(c) {
			missed++
		}
	}
	handler := ss.handler
	ss.mu.Unlock()

	if missed > 0 {
		s.logger.Info().Str("symbol", ss.symbol).Int("missed", missed).Msg("backfilled missed bars")
		if handler != nil {
			if latest, ok := s.Latest(ss.symbol); ok {
				handler(ss.symbol, latest)
			}
		}
	}
}

func parseWSFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
