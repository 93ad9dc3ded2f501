package ibkr

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/broker"
	"github.com/tathienbao/stoploss-bot/internal/types"
	"golang.org/x/time/rate"
)

// Client errors.
var (
	ErrClosed         = errors.New("ibkr client closed")
	ErrRequestTimeout = errors.New("ibkr request timeout")
)

// Incoming IB API message IDs.
const (
	msgOrderStatus  = 3
	msgErrMsg       = 4
	msgNextValidID  = 9
	msgMarketDepth  = 12
	msgOpenOrderEnd = 53
)

// Error codes with session or order meaning.
const (
	codeOrderRejected     = 201
	codeConnectivityLost  = 1100
	codeConnectivityBack  = 1101
	codeConnectivityKept  = 1102
	codeMarketDataFarmOff = 2103
)

// Depth operations carried by updateMktDepth.
const (
	depthInsert = 0
	depthUpdate = 1
	depthDelete = 2
	depthBid    = 1
)

// Dialer opens the TCP connection to TWS/Gateway.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client implements the broker.Broker interface for IBKR.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer Dialer

	// Connection
	connMu      sync.Mutex
	conn        net.Conn
	state       atomic.Int32
	stateMu     sync.Mutex
	lastError   error
	connectedAt time.Time
	farmUp      atomic.Bool

	// Rate limiting
	limiter *rate.Limiter

	// Request tracking
	nextReqID   atomic.Int64
	nextOrderID atomic.Int64

	// Depth subscriptions
	mdMu      sync.RWMutex
	depthSubs map[string]*depthSubscription
	byTicker  map[int64]*depthSubscription
	depthCh   chan types.DepthSnapshot

	// Orders submitted this session
	ordersMu sync.Mutex
	orders   map[string]*order
	queryMu  sync.Mutex
	openEnd  chan struct{}
	pushCh   chan string

	// Shutdown
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type depthSubscription struct {
	instrument string
	tickerID   int64
	prices     []decimal.Decimal
	sizes      []int64
}

// apply folds one updateMktDepth row into the bid book.
func (s *depthSubscription) apply(position, operation int, price decimal.Decimal, lots int64) {
	if position < 0 {
		return
	}
	switch operation {
	case depthInsert:
		if position > len(s.prices) {
			position = len(s.prices)
		}
		s.prices = slices.Insert(s.prices, position, price)
		s.sizes = slices.Insert(s.sizes, position, lots)
	case depthUpdate:
		if position < len(s.prices) {
			s.prices[position] = price
			s.sizes[position] = lots
		} else {
			s.prices = append(s.prices, price)
			s.sizes = append(s.sizes, lots)
		}
	case depthDelete:
		if position < len(s.prices) {
			s.prices = slices.Delete(s.prices, position, position+1)
			s.sizes = slices.Delete(s.sizes, position, position+1)
		}
	}
}

func (s *depthSubscription) snapshot() types.DepthSnapshot {
	return types.DepthSnapshot{
		Instrument: s.instrument,
		BidPrices:  slices.Clone(s.prices),
		BidSizes:   slices.Clone(s.sizes),
		Timestamp:  time.Now(),
	}
}

type order struct {
	id         int64
	instrument string
	volume     int64
	status     types.OrderStatus
	filled     int64
	avgPrice   decimal.Decimal
	text       string
}

func (o *order) result() types.OrderResult {
	return types.OrderResult{
		OrderNumber:  strconv.FormatInt(o.id, 10),
		Status:       o.status,
		FilledVolume: o.filled,
		AvgFillPrice: o.avgPrice,
		StatusText:   o.text,
	}
}

// NewClient creates a new IBKR client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.LotSize <= 0 {
		cfg.LotSize = defaults.LotSize
	}
	if cfg.DepthRows <= 0 {
		cfg.DepthRows = defaults.DepthRows
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaults.Exchange
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = defaults.MaxRequestsPerSecond
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With("component", "ibkr"),
		dialer:    &net.Dialer{Timeout: cfg.ConnectTimeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		depthSubs: make(map[string]*depthSubscription),
		byTicker:  make(map[int64]*depthSubscription),
		depthCh:   make(chan types.DepthSnapshot, 100),
		orders:    make(map[string]*order),
		pushCh:    make(chan string, 256),
		done:      make(chan struct{}),
	}

	c.state.Store(int32(broker.StateDisconnected))
	c.nextReqID.Store(1000)
	c.nextOrderID.Store(1)

	return c
}

// Connect establishes connection to TWS/Gateway. Depth subscriptions held
// from an earlier connection are requested again.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.State() == broker.StateConnected {
		return nil
	}

	c.state.Store(int32(broker.StateConnecting))

	c.logger.Info("connecting to IBKR",
		"host", c.cfg.Host,
		"port", c.cfg.Port,
		"client_id", c.cfg.ClientID,
		"paper", c.cfg.PaperTrading,
	)

	addr := c.cfg.Addr()
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.state.Store(int32(broker.StateError))
		c.lastError = fmt.Errorf("dial: %w", err)
		return fmt.Errorf("%w: %w", broker.ErrConnectionTimeout, err)
	}

	pending, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		c.state.Store(int32(broker.StateError))
		c.lastError = err
		return fmt.Errorf("handshake: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connectedAt = time.Now()
	c.farmUp.Store(true)
	c.state.Store(int32(broker.StateConnected))

	c.wg.Add(1)
	go c.readLoop(conn, pending)

	if err := c.resubscribe(ctx); err != nil {
		c.logger.Warn("failed to restore depth subscriptions", "err", err)
	}

	c.logger.Info("connected to IBKR", "connected_at", c.connectedAt)
	return nil
}

// handshake performs the IB API connection handshake and returns any bytes
// the server sent past its version reply.
func (c *Client) handshake(conn net.Conn) ([]byte, error) {
	// "API\0" followed by the framed version range.
	hello := []byte("API\x00")
	hello = append(hello, frame(fmt.Sprintf("v%d..%d", 100, 151))...)

	if _, err := conn.Write(hello); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}

	frames, rest := splitFrames(buf[:n])
	if len(frames) > 0 {
		fields := bytes.Split(frames[0], []byte{0})
		c.logger.Debug("handshake response", "server_version", string(fields[0]))
	}
	// Frames past the version reply, nextValidId usually, go to readLoop.
	var pending []byte
	for _, f := range frames[min(1, len(frames)):] {
		pending = append(pending, frame(string(f))...)
	}
	pending = append(pending, rest...)

	if _, err := conn.Write(c.buildStartAPIMessage(c.cfg.ClientID)); err != nil {
		return nil, fmt.Errorf("write startAPI: %w", err)
	}

	return pending, nil
}

// buildStartAPIMessage creates the startAPI message.
func (c *Client) buildStartAPIMessage(clientID int) []byte {
	return frame(fmt.Sprintf("71\x002\x00%d\x00\x00", clientID))
}

// frame prepends the 4-byte big-endian size to msg.
func frame(msg string) []byte {
	size := len(msg)
	data := make([]byte, 4+size)
	data[0] = byte(size >> 24)
	data[1] = byte(size >> 16)
	data[2] = byte(size >> 8)
	data[3] = byte(size)
	copy(data[4:], msg)
	return data
}

// splitFrames cuts every complete frame off buf.
func splitFrames(buf []byte) (frames [][]byte, rest []byte) {
	for len(buf) >= 4 {
		size := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
		if len(buf)-4 < size {
			break
		}
		frames = append(frames, buf[4:4+size])
		buf = buf[4+size:]
	}
	return frames, buf
}

// readLoop reads messages from the connection.
func (c *Client) readLoop(conn net.Conn, pending []byte) {
	defer c.wg.Done()

	buf := make([]byte, 65536)
	for {
		if len(pending) > 0 {
			var frames [][]byte
			frames, pending = splitFrames(pending)
			for _, f := range frames {
				c.processMessage(f)
			}
			pending = slices.Clone(pending)
		}

		select {
		case <-c.done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Error("read error", "err", err)
			c.handleDisconnect()
			return
		}

		pending = append(pending, buf[:n]...)
	}
}

// processMessage dispatches one framed message.
func (c *Client) processMessage(data []byte) {
	// Fields are separated by null bytes.
	fields := bytes.Split(data, []byte{0})
	if len(fields) < 2 {
		c.logger.Debug("received incomplete message", "size", len(data))
		return
	}

	msgID, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		c.logger.Debug("invalid message ID", "data", string(fields[0]))
		return
	}

	switch msgID {
	case msgOrderStatus:
		c.handleOrderStatus(fields)
	case msgErrMsg:
		c.handleError(fields)
	case msgNextValidID:
		c.handleNextValidID(fields)
	case msgMarketDepth:
		c.handleMarketDepth(fields)
	case msgOpenOrderEnd:
		c.handleOpenOrderEnd()
	default:
		c.logger.Debug("unhandled message type", "msg_id", msgID)
	}
}

// handleOrderStatus handles orderStatus messages.
func (c *Client) handleOrderStatus(fields [][]byte) {
	// Format: msgID, orderId, status, filled, remaining, avgFillPrice, ...
	if len(fields) < 6 {
		return
	}

	number := string(fields[1])
	ibStatus := string(fields[2])
	filled, err := decimal.NewFromString(string(fields[3]))
	if err != nil {
		c.logger.Debug("invalid filled quantity", "order_number", number, "data", string(fields[3]))
		return
	}
	avg, err := decimal.NewFromString(string(fields[5]))
	if err != nil {
		avg = decimal.Zero
	}

	filledVolume := filled.IntPart()

	c.ordersMu.Lock()
	o, ok := c.orders[number]
	if !ok || o.status.IsFinal() {
		c.ordersMu.Unlock()
		return
	}
	status := mapStatus(ibStatus, filledVolume)
	changed := o.status != status || o.filled != filledVolume
	o.status = status
	o.filled = filledVolume
	o.avgPrice = avg
	o.text = ""
	if status == types.OrderStatusUnknown {
		o.text = ibStatus
	}
	c.ordersMu.Unlock()

	if changed {
		c.logger.Debug("order status", "order_number", number, "ib_status", ibStatus, "filled", filledVolume)
		c.push(number)
	}
}

// mapStatus translates an IB order status.
func mapStatus(ibStatus string, filled int64) types.OrderStatus {
	switch ibStatus {
	case "ApiPending", "PendingSubmit":
		return types.OrderStatusPendingSubmit
	case "PreSubmitted", "Submitted":
		if filled > 0 {
			return types.OrderStatusPartiallyFilled
		}
		return types.OrderStatusSubmitted
	case "PendingCancel":
		return types.OrderStatusPendingCancel
	case "Cancelled", "ApiCancelled":
		if filled > 0 {
			return types.OrderStatusPartiallyCancelled
		}
		return types.OrderStatusCancelled
	case "Filled":
		return types.OrderStatusFilled
	case "Inactive":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusUnknown
	}
}

// handleError handles error and notice messages.
func (c *Client) handleError(fields [][]byte) {
	// Format: msgID, version, id, code, message
	if len(fields) < 5 {
		return
	}

	id := string(fields[2])
	code, _ := strconv.Atoi(string(fields[3]))
	text := string(fields[4])

	switch code {
	case codeConnectivityLost, codeMarketDataFarmOff:
		c.farmUp.Store(false)
		c.logger.Warn("IBKR connectivity lost", "code", code, "message", text)
	case codeConnectivityBack, codeConnectivityKept:
		c.farmUp.Store(true)
		c.logger.Info("IBKR connectivity restored", "code", code, "message", text)
	case codeOrderRejected:
		c.rejectOrder(id, text)
	default:
		c.logger.Debug("IBKR notice", "id", id, "code", code, "message", text)
	}
}

func (c *Client) rejectOrder(number, text string) {
	c.ordersMu.Lock()
	o, ok := c.orders[number]
	if !ok || o.status.IsFinal() {
		c.ordersMu.Unlock()
		return
	}
	o.status = types.OrderStatusRejected
	o.text = text
	c.ordersMu.Unlock()

	c.logger.Warn("order rejected", "order_number", number, "reason", text)
	c.push(number)
}

// handleNextValidID raises the next order ID to the server's floor.
func (c *Client) handleNextValidID(fields [][]byte) {
	// Format: msgID, version, orderId
	if len(fields) < 3 {
		return
	}
	next, err := strconv.ParseInt(string(fields[2]), 10, 64)
	if err != nil {
		return
	}
	for {
		cur := c.nextOrderID.Load()
		if next <= cur || c.nextOrderID.CompareAndSwap(cur, next) {
			return
		}
	}
}

// handleMarketDepth handles updateMktDepth messages.
func (c *Client) handleMarketDepth(fields [][]byte) {
	// Format: msgID, version, tickerId, position, operation, side, price, size
	if len(fields) < 8 {
		return
	}

	tickerID, _ := strconv.ParseInt(string(fields[2]), 10, 64)
	position, _ := strconv.Atoi(string(fields[3]))
	operation, _ := strconv.Atoi(string(fields[4]))
	side, _ := strconv.Atoi(string(fields[5]))
	if side != depthBid {
		return
	}

	price, err := decimal.NewFromString(string(fields[6]))
	if err != nil {
		return
	}
	size, err := decimal.NewFromString(string(fields[7]))
	if err != nil {
		return
	}
	lots := size.IntPart() / c.cfg.LotSize

	c.mdMu.Lock()
	sub, ok := c.byTicker[tickerID]
	if !ok {
		c.mdMu.Unlock()
		return
	}
	sub.apply(position, operation, price, lots)
	snap := sub.snapshot()
	c.mdMu.Unlock()

	c.publishDepth(snap)
}

func (c *Client) handleOpenOrderEnd() {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	if c.openEnd != nil {
		close(c.openEnd)
		c.openEnd = nil
	}
}

// handleDisconnect handles connection loss.
func (c *Client) handleDisconnect() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.State() == broker.StateDisconnected {
		return
	}

	c.state.Store(int32(broker.StateDisconnected))
	c.farmUp.Store(false)
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	c.logger.Warn("disconnected from IBKR")

	if c.cfg.AutoReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect.
func (c *Client) reconnectLoop() {
	for i := 0; i < c.cfg.MaxReconnectTries; i++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		c.logger.Info("attempting reconnect", "attempt", i+1)

		err := c.Connect(context.Background())
		if err == nil {
			c.logger.Info("reconnected successfully")
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}

		c.logger.Warn("reconnect failed", "err", err)
	}

	c.logger.Error("max reconnect attempts reached")
}

// sendMessage sends a message to TWS/Gateway.
func (c *Client) sendMessage(ctx context.Context, msg string) error {
	if c.State() != broker.StateConnected {
		return broker.ErrNotConnected
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return broker.ErrNotConnected
	}
	_, err := c.conn.Write(frame(msg))
	return err
}

// Disconnect closes the connection and stops reconnect attempts.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.stateMu.Lock()
	wasConnected := c.State() != broker.StateDisconnected
	c.state.Store(int32(broker.StateDisconnected))
	c.farmUp.Store(false)
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	c.stateMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()

	if wasConnected {
		c.logger.Info("disconnected from IBKR")
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.State() == broker.StateConnected
}

// IsSessionActive reports a live socket whose upstream connectivity is up.
func (c *Client) IsSessionActive() bool {
	return c.IsConnected() && c.farmUp.Load()
}

// Subscribe requests level-2 depth for an instrument.
func (c *Client) Subscribe(ctx context.Context, instrument string) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}
	if instrument == "" {
		return broker.ErrInvalidContract
	}

	c.mdMu.Lock()
	if _, ok := c.depthSubs[instrument]; ok {
		c.mdMu.Unlock()
		return nil
	}
	sub := &depthSubscription{
		instrument: instrument,
		tickerID:   c.nextReqID.Add(1),
	}
	c.depthSubs[instrument] = sub
	c.byTicker[sub.tickerID] = sub
	c.mdMu.Unlock()

	if err := c.requestDepth(ctx, sub); err != nil {
		c.mdMu.Lock()
		delete(c.depthSubs, instrument)
		delete(c.byTicker, sub.tickerID)
		c.mdMu.Unlock()
		return fmt.Errorf("request depth %s: %w", instrument, err)
	}

	c.logger.Info("subscribed to market depth",
		"instrument", instrument,
		"ticker_id", sub.tickerID,
	)
	return nil
}

func (c *Client) smartDepth() int {
	if c.cfg.Exchange == "SMART" {
		return 1
	}
	return 0
}

// requestDepth sends a reqMktDepth message.
func (c *Client) requestDepth(ctx context.Context, sub *depthSubscription) error {
	contract := broker.StockContract(sub.instrument, c.cfg.Exchange)

	// REQ_MKT_DEPTH = 10
	msg := strings.Join([]string{
		"10", "5",
		strconv.FormatInt(sub.tickerID, 10),
		"0", // conId
		contract.Symbol,
		contract.SecType,
		"", "0", "", "", // lastTradeDate, strike, right, multiplier
		contract.Exchange,
		"", // primaryExchange
		contract.Currency,
		"", "", // localSymbol, tradingClass
		strconv.Itoa(c.cfg.DepthRows),
		strconv.Itoa(c.smartDepth()),
		"", // mktDepthOptions
	}, "\x00") + "\x00"

	return c.sendMessage(ctx, msg)
}

// resubscribe requests depth again for every held subscription.
func (c *Client) resubscribe(ctx context.Context) error {
	c.mdMu.Lock()
	subs := make([]*depthSubscription, 0, len(c.depthSubs))
	for _, sub := range c.depthSubs {
		sub.prices = nil
		sub.sizes = nil
		subs = append(subs, sub)
	}
	c.mdMu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := c.requestDepth(ctx, sub); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.instrument, err))
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe cancels depth for an instrument.
func (c *Client) Unsubscribe(instrument string) error {
	c.mdMu.Lock()
	sub, ok := c.depthSubs[instrument]
	if ok {
		delete(c.depthSubs, instrument)
		delete(c.byTicker, sub.tickerID)
	}
	c.mdMu.Unlock()

	if !ok || !c.IsConnected() {
		return nil
	}

	// CANCEL_MKT_DEPTH = 11
	msg := fmt.Sprintf("11\x001\x00%d\x00%d\x00", sub.tickerID, c.smartDepth())
	if err := c.sendMessage(context.Background(), msg); err != nil {
		return err
	}

	c.logger.Info("unsubscribed from market depth", "instrument", instrument)
	return nil
}

// Depth delivers bid book snapshots for subscribed instruments.
func (c *Client) Depth() <-chan types.DepthSnapshot {
	return c.depthCh
}

// StatusPushes delivers order numbers whose status changed.
func (c *Client) StatusPushes() <-chan string {
	return c.pushCh
}

func (c *Client) publishDepth(snap types.DepthSnapshot) {
	select {
	case c.depthCh <- snap:
	default:
		c.logger.Warn("depth channel full", "instrument", snap.Instrument)
	}
}

func (c *Client) push(number string) {
	select {
	case c.pushCh <- number:
	default:
	}
}

// Submit places a limit order. Best-five requests go out immediate-or-cancel.
func (c *Client) Submit(ctx context.Context, req types.OrderRequest) (string, error) {
	if !c.IsConnected() {
		return "", broker.ErrNotConnected
	}
	if req.Instrument == "" {
		return "", broker.ErrInvalidContract
	}

	id := c.nextOrderID.Add(1) - 1
	number := strconv.FormatInt(id, 10)
	exchange := req.Exchange
	if exchange == "" {
		exchange = c.cfg.Exchange
	}
	contract := broker.StockContract(req.Instrument, exchange)

	// Tracked before sending so an immediate orderStatus finds it.
	c.ordersMu.Lock()
	c.orders[number] = &order{
		id:         id,
		instrument: req.Instrument,
		volume:     req.Volume,
		status:     types.OrderStatusPendingSubmit,
	}
	c.ordersMu.Unlock()

	if err := c.sendMessage(ctx, buildPlaceOrderMessage(id, contract, req)); err != nil {
		c.ordersMu.Lock()
		delete(c.orders, number)
		c.ordersMu.Unlock()
		return "", fmt.Errorf("send order: %w", err)
	}

	c.logger.Info("order placed",
		"order_number", number,
		"client_order_id", req.ClientOrderID,
		"instrument", req.Instrument,
		"side", req.Side,
		"price", req.Price,
		"policy", req.Policy,
		"volume", req.Volume,
	)
	return number, nil
}

// buildPlaceOrderMessage builds a PLACE_ORDER message.
func buildPlaceOrderMessage(orderID int64, contract broker.Contract, req types.OrderRequest) string {
	tif := "DAY"
	if req.Policy == types.PolicyBestFiveThenCancel {
		tif = "IOC"
	}

	// Simplified order message - real implementation needs all fields
	return strings.Join([]string{
		"3", "45",
		strconv.FormatInt(orderID, 10),
		"0", // conId
		contract.Symbol,
		contract.SecType,
		"", "0", "", "", // lastTradeDate, strike, right, multiplier
		contract.Exchange,
		"", // primaryExchange
		contract.Currency,
		"", "", // localSymbol, tradingClass
		req.Side.String(),
		strconv.FormatInt(req.Volume, 10),
		"LMT",
		req.Price.String(),
		"", // auxPrice
		tif,
		"", "", // ocaGroup, account
		"", "0", // openClose, origin
		req.ClientOrderID, // orderRef
		"1",               // transmit
	}, "\x00") + "\x00"
}

// SubmitBatch submits each request in order.
func (c *Client) SubmitBatch(ctx context.Context, reqs []types.OrderRequest) []broker.SubmitResult {
	results := make([]broker.SubmitResult, len(reqs))
	for i, req := range reqs {
		number, err := c.Submit(ctx, req)
		results[i] = broker.SubmitResult{OrderNumber: number, Err: err}
	}
	return results
}

// Cancel requests cancellation. Terminal orders return false without a request.
func (c *Client) Cancel(ctx context.Context, instrument, orderNumber string) (bool, error) {
	if !c.IsConnected() {
		return false, broker.ErrNotConnected
	}

	c.ordersMu.Lock()
	o, ok := c.orders[orderNumber]
	if !ok {
		c.ordersMu.Unlock()
		return false, broker.ErrOrderNotFound
	}
	if o.status.IsFinal() {
		c.ordersMu.Unlock()
		return false, nil
	}
	c.ordersMu.Unlock()

	// CANCEL_ORDER = 4
	msg := fmt.Sprintf("4\x001\x00%s\x00\x00", orderNumber)
	if err := c.sendMessage(ctx, msg); err != nil {
		return false, fmt.Errorf("send cancel: %w", err)
	}

	c.ordersMu.Lock()
	if !o.status.IsFinal() {
		o.status = types.OrderStatusPendingCancel
	}
	c.ordersMu.Unlock()

	c.logger.Info("order cancel requested", "order_number", orderNumber, "instrument", instrument)
	return true, nil
}

// CancelBatch cancels each request in order.
func (c *Client) CancelBatch(ctx context.Context, reqs []broker.CancelRequest) []broker.CancelResult {
	results := make([]broker.CancelResult, len(reqs))
	for i, req := range reqs {
		ok, err := c.Cancel(ctx, req.Instrument, req.OrderNumber)
		results[i] = broker.CancelResult{Accepted: ok, Err: err}
	}
	return results
}

// QuerySubmittedOrdersToday refreshes open orders and returns every order
// placed through this client.
func (c *Client) QuerySubmittedOrdersToday(ctx context.Context) ([]types.OrderResult, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	c.queryMu.Lock()
	defer c.queryMu.Unlock()

	end := make(chan struct{})
	c.ordersMu.Lock()
	c.openEnd = end
	c.ordersMu.Unlock()

	clearEnd := func() {
		c.ordersMu.Lock()
		if c.openEnd == end {
			c.openEnd = nil
		}
		c.ordersMu.Unlock()
	}

	// REQ_ALL_OPEN_ORDERS = 16
	if err := c.sendMessage(ctx, "16\x001\x00"); err != nil {
		clearEnd()
		return nil, fmt.Errorf("request open orders: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-end:
	case <-ctx.Done():
		clearEnd()
		return nil, ctx.Err()
	case <-c.done:
		clearEnd()
		return nil, ErrClosed
	case <-timer.C:
		clearEnd()
		return nil, fmt.Errorf("%w: open orders", ErrRequestTimeout)
	}

	c.ordersMu.Lock()
	orders := make([]*order, 0, len(c.orders))
	for _, o := range c.orders {
		orders = append(orders, o)
	}
	slices.SortFunc(orders, func(a, b *order) int {
		return cmp.Compare(a.id, b.id)
	})
	results := make([]types.OrderResult, len(orders))
	for i, o := range orders {
		results[i] = o.result()
	}
	c.ordersMu.Unlock()

	return results, nil
}

// Shutdown gracefully shuts down the client.
func (c *Client) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down IBKR client")

	c.mdMu.RLock()
	instruments := make([]string, 0, len(c.depthSubs))
	for instrument := range c.depthSubs {
		instruments = append(instruments, instrument)
	}
	c.mdMu.RUnlock()

	for _, instrument := range instruments {
		if ctx.Err() != nil {
			break
		}
		_ = c.Unsubscribe(instrument)
	}

	return c.Disconnect()
}

// Ensure Client implements broker.Broker
var _ broker.Broker = (*Client)(nil)
