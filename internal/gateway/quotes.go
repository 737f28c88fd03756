package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
)

// tradeMessage is one last-trade event from the quote stream.
type tradeMessage struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	Price     decimal.Decimal `json:"p"`
	Timestamp time.Time       `json:"t"`
}

// QuoteStream is a resilient WebSocket client that maintains a last-trade
// cache for the tracked symbols. It implements core.QuoteSource. Quotes
// older than the staleness window are reported as missing so the decision
// loop never prices an intent off a dead feed.
type QuoteStream struct {
	url       string
	symbols   []string
	staleness time.Duration
	logger    core.Logger

	conn *websocket.Conn
	mu   sync.Mutex

	quotes   map[string]core.Quote
	quotesMu sync.RWMutex

	reconnectWait time.Duration
	pingInterval  time.Duration
	pingWait      time.Duration
	pongWait      time.Duration

	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewQuoteStream creates a quote stream client for the given symbols.
func NewQuoteStream(url string, symbols []string, staleness time.Duration, logger core.Logger) *QuoteStream {
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	return &QuoteStream{
		url:           url,
		symbols:       symbols,
		staleness:     staleness,
		logger:        logger.WithField("component", "quote_stream"),
		quotes:        make(map[string]core.Quote),
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		done:          make(chan struct{}),
	}
}

// Quote returns the cached last trade for a symbol. The boolean is false
// when no quote has arrived or the cached one is stale.
func (q *QuoteStream) Quote(symbol string) (core.Quote, bool) {
	q.quotesMu.RLock()
	defer q.quotesMu.RUnlock()

	quote, ok := q.quotes[symbol]
	if !ok {
		return core.Quote{}, false
	}
	if time.Since(quote.Timestamp) > q.staleness {
		return core.Quote{}, false
	}
	return quote, true
}

// Start connects and begins consuming the stream.
func (q *QuoteStream) Start() {
	q.wg.Add(1)
	go q.runLoop()
}

// Stop closes the connection and stops the loop.
func (q *QuoteStream) Stop() {
	q.closed.Do(func() { close(q.done) })

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		q.logger.Warn("Quote stream Stop: goroutines did not exit within timeout")
	}

	q.closeConn()
}

func (q *QuoteStream) runLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		default:
			if err := q.connect(); err != nil {
				q.logger.Error("Quote stream connect failed", "url", q.url, "error", err.Error())
				select {
				case <-q.done:
					return
				case <-time.After(q.reconnectWait):
				}
				continue
			}

			if err := q.subscribe(); err != nil {
				q.logger.Error("Quote stream subscribe failed", "error", err.Error())
				q.closeConn()
				continue
			}

			heartbeatDone := make(chan struct{})
			q.wg.Add(1)
			go q.heartbeat(heartbeatDone)

			q.readLoop()
			close(heartbeatDone)

			select {
			case <-q.done:
				return
			case <-time.After(q.reconnectWait):
			}
		}
	}
}

func (q *QuoteStream) connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(q.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(q.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(q.pongWait))
		return nil
	})

	q.conn = conn
	q.logger.Info("Quote stream connected", "url", q.url, "symbols", len(q.symbols))
	return nil
}

func (q *QuoteStream) subscribe() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn == nil {
		return fmt.Errorf("quote stream not connected")
	}
	return q.conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"trades": q.symbols,
	})
}

func (q *QuoteStream) heartbeat(done chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.mu.Lock()
			conn := q.conn
			q.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(q.pingWait)); err != nil {
				// Ping failure closes the connection to trigger reconnect.
				q.closeConn()
				return
			}
		}
	}
}

func (q *QuoteStream) readLoop() {
	defer q.closeConn()

	for {
		select {
		case <-q.done:
			return
		default:
			q.mu.Lock()
			conn := q.conn
			q.mu.Unlock()
			if conn == nil {
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			q.handleMessage(message)
		}
	}
}

func (q *QuoteStream) handleMessage(message []byte) {
	var events []tradeMessage
	if err := json.Unmarshal(message, &events); err != nil {
		// Some streams send single objects rather than batches.
		var single tradeMessage
		if err := json.Unmarshal(message, &single); err != nil {
			q.logger.Debug("Dropping unparseable stream message", "error", err.Error())
			return
		}
		events = []tradeMessage{single}
	}

	for _, ev := range events {
		if ev.Type != "t" || ev.Symbol == "" {
			continue
		}
		q.record(core.Quote{
			Symbol:    ev.Symbol,
			Price:     ev.Price,
			Timestamp: ev.Timestamp,
		})
	}
}

// record stores a quote, keeping only the newest per symbol.
func (q *QuoteStream) record(quote core.Quote) {
	q.quotesMu.Lock()
	defer q.quotesMu.Unlock()

	if prev, ok := q.quotes[quote.Symbol]; ok && prev.Timestamp.After(quote.Timestamp) {
		return
	}
	q.quotes[quote.Symbol] = quote
}

func (q *QuoteStream) closeConn() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
	}
}

// StaticQuotes is a fixed in-memory QuoteSource.
type StaticQuotes struct {
	mu     sync.RWMutex
	quotes map[string]core.Quote
}

func NewStaticQuotes() *StaticQuotes {
	return &StaticQuotes{quotes: make(map[string]core.Quote)}
}

func (s *StaticQuotes) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = core.Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}
}

func (s *StaticQuotes) Quote(symbol string) (core.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}
