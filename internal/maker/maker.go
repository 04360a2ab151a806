// Package maker answers RFQs: it listens on the RFQ feed channels, prices
// each request and sends the quote back over the maker channel.
package maker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/internal/procsock"
	"github.com/Checker-Finance/rysk-adapter/internal/session"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// PriceFunc prices a request. Returning false skips the RFQ.
type PriceFunc func(req model.Request) (decimal.Decimal, bool)

// FixedPrice quotes every request at p.
func FixedPrice(p decimal.Decimal) PriceFunc {
	return func(model.Request) (decimal.Decimal, bool) { return p, true }
}

// QuoteStore keeps the live quote state.
type QuoteStore interface {
	SaveQuote(ctx context.Context, rec model.QuoteRecord) error
	UpdateQuoteStatus(ctx context.Context, rfqID, status, reason string) (*model.QuoteRecord, error)
}

// Auditor persists RFQs and quotes.
type Auditor interface {
	RecordRFQ(ctx context.Context, channelID, rfqID string, req model.Request) error
	RecordQuote(ctx context.Context, rec model.QuoteRecord) error
	UpdateStatus(ctx context.Context, rfqID, status, reason string) error
}

// Publisher receives workflow events; *eventbus.EventBus satisfies it.
type Publisher interface {
	Publish(topic string, event any)
}

// Config describes who we quote as and which feeds we listen to.
type Config struct {
	MakerAddress    string
	MakerChannel    string
	MakerURI        string
	Assets          []string
	Window          time.Duration
	IsTakerBuy      bool
	CollateralAsset string
	// ReconnectBackoff is the delay before reopening a channel whose process died. Zero disables reconnects.
	ReconnectBackoff time.Duration
}

// FeedChannel is the channel id used for an asset's RFQ feed.
func FeedChannel(asset string) string { return "RFQ_" + asset }

// FeedURI is the agent URI of an asset's RFQ feed.
func FeedURI(asset string) string { return "rfqs/" + asset }

// Maker runs the quoting workflow.
type Maker struct {
	cfg    Config
	client *session.Client
	nonces *NonceSource
	price  PriceFunc
	store  QuoteStore
	audit  Auditor
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	stopping bool
	inflight map[string]*standing
	wg       sync.WaitGroup
}

// standing is the latest notification seen for a quote that is not recorded yet.
type standing struct {
	status string
	reason string
	set    bool
}

// Option configures a Maker.
type Option func(*Maker)

func WithStore(s QuoteStore) Option { return func(m *Maker) { m.store = s } }

func WithAuditor(a Auditor) Option { return func(m *Maker) { m.audit = a } }

func WithPublisher(p Publisher) Option { return func(m *Maker) { m.pub = p } }

// WithNonces shares a nonce source, typically one backed by the Redis store.
func WithNonces(n *NonceSource) Option { return func(m *Maker) { m.nonces = n } }

func WithClock(now func() time.Time) Option { return func(m *Maker) { m.now = now } }

func WithLogger(l *zap.Logger) Option {
	return func(m *Maker) {
		if l != nil {
			m.logger = l
		}
	}
}

// New validates cfg and builds a Maker.
func New(cfg Config, client *session.Client, price PriceFunc, opts ...Option) (*Maker, error) {
	if cfg.MakerAddress == "" {
		return nil, errors.New("maker address is required")
	}
	if client == nil || price == nil {
		return nil, errors.New("client and price function are required")
	}
	if cfg.MakerChannel == "" {
		cfg.MakerChannel = "MAKER_CHAN"
	}
	if cfg.MakerURI == "" {
		cfg.MakerURI = "maker"
	}
	if cfg.Window <= 0 {
		cfg.Window = model.DefaultQuoteWindow
	}
	m := &Maker{
		cfg:      cfg,
		client:   client,
		price:    price,
		logger:   zap.NewNop(),
		now:      time.Now,
		ctx:      context.Background(),
		inflight: make(map[string]*standing),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.nonces == nil {
		m.nonces = NewNonceSource(nil, 0)
	}
	return m, nil
}

// Start opens the maker channel and one feed channel per asset.
func (m *Maker) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.connect(ctx, m.cfg.MakerChannel, m.cfg.MakerURI); err != nil {
		return fmt.Errorf("connect maker channel: %w", err)
	}
	for _, asset := range m.cfg.Assets {
		if err := m.connect(ctx, FeedChannel(asset), FeedURI(asset)); err != nil {
			return fmt.Errorf("connect rfq feed %s: %w", asset, err)
		}
	}
	m.logger.Info("maker.started",
		zap.String("maker", m.cfg.MakerAddress),
		zap.String("channel", m.cfg.MakerChannel),
		zap.Strings("assets", m.cfg.Assets),
	)
	return nil
}

func (m *Maker) connect(ctx context.Context, channelID, uri string) error {
	_, err := m.client.Connect(ctx, channelID, uri, m.handlers(uri))
	return err
}

func (m *Maker) handlers(uri string) session.Handlers {
	return session.Handlers{
		OnRequest:           m.onRequest,
		OnQuote:             m.onQuote,
		OnTransfer:          m.onTransfer,
		OnQuoteNotification: m.onNotification,
		OnResponse: func(s *session.Session, env model.Envelope) {
			m.logger.Info("maker.response",
				zap.String("channel", s.ID),
				zap.String("id", env.CorrelationID()),
				zap.ByteString("payload", env.Payload()),
			)
		},
		OnClose: func(s *session.Session, code int, reason string) {
			m.onClose(s.ID, uri, code, reason)
		},
	}
}

// goTracked runs fn in a goroutine Stop waits for. Nothing runs once stopping.
func (m *Maker) goTracked(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
}

func (m *Maker) publish(topic, channelID, correlationID string, payload any) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(topic, model.Event{ChannelID: channelID, CorrelationID: correlationID, Payload: payload})
}

func (m *Maker) onRequest(s *session.Session, rfqID string, req model.Request) {
	m.logger.Info("maker.rfq_received",
		zap.String("channel", s.ID),
		zap.String("rfq_id", rfqID),
		zap.String("asset", req.Asset),
		zap.String("quantity", req.Quantity),
	)
	m.publish(model.EventRFQReceived, s.ID, rfqID, req)
	feed := s.ID
	m.goTracked(func(ctx context.Context) {
		if m.audit != nil {
			m.auditFailed("record_rfq", rfqID, m.audit.RecordRFQ(ctx, feed, rfqID, req))
		}
		m.Quote(ctx, rfqID, req)
	})
}

// Quote prices req, sends the quote on the maker channel and waits for the
// agent to confirm. The returned record carries the final status.
func (m *Maker) Quote(ctx context.Context, rfqID string, req model.Request) *model.QuoteRecord {
	start := time.Now()
	price, ok := m.price(req)
	if !ok {
		metrics.IncQuote("skipped")
		m.logger.Debug("maker.rfq_skipped", zap.String("rfq_id", rfqID))
		return nil
	}

	rec := model.QuoteRecord{
		RFQID:     rfqID,
		ChannelID: m.cfg.MakerChannel,
		Request:   req,
		Status:    model.QuoteStatusSent,
		CreatedAt: m.now().UTC(),
	}

	m.track(rfqID)
	reason, err := m.send(ctx, rfqID, req, price, &rec)
	if err != nil {
		rec.Status = model.QuoteStatusRejected
		rec.Reason = reason
		metrics.IncQuote("rejected")
		m.logger.Warn("maker.quote_rejected",
			zap.String("rfq_id", rfqID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	} else {
		metrics.IncQuote("ok")
		metrics.ObserveDuration(metrics.QuoteLatency, start, m.cfg.MakerChannel)
		m.logger.Info("maker.quote_sent",
			zap.String("rfq_id", rfqID),
			zap.String("nonce", rec.Quote.Nonce),
			zap.String("price", rec.Quote.Price),
			zap.Int64("valid_until", rec.Quote.ValidUntil),
		)
	}

	m.settle(&rec)
	m.record(ctx, rec)
	if late, ok := m.untrack(rfqID); ok {
		m.applyStatus(ctx, rfqID, late.status, late.reason)
		rec.Status, rec.Reason = late.status, late.reason
	}
	if rec.Status == model.QuoteStatusRejected {
		m.publish(model.EventQuoteRejected, rec.ChannelID, rfqID, rec)
	} else {
		m.publish(model.EventQuoteSent, rec.ChannelID, rfqID, rec)
	}
	return &rec
}

// track marks rfqID as in flight so notifications are held until it is recorded.
func (m *Maker) track(rfqID string) {
	m.mu.Lock()
	m.inflight[rfqID] = &standing{}
	m.mu.Unlock()
}

// settle applies a notification that arrived while the quote process ran.
// It overrides both SENT and a rejection.
func (m *Maker) settle(rec *model.QuoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.inflight[rec.RFQID]; ok && st.set {
		rec.Status, rec.Reason = st.status, st.reason
		st.set = false
	}
}

// untrack ends the in-flight window and returns a notification that arrived
// while the record was being written.
func (m *Maker) untrack(rfqID string) (standing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.inflight[rfqID]
	delete(m.inflight, rfqID)
	if !ok || !st.set {
		return standing{}, false
	}
	return *st, true
}

// hold stores a notification for an in-flight quote. It reports false when
// the quote is already recorded.
func (m *Maker) hold(rfqID, status, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.inflight[rfqID]
	if !ok {
		return false
	}
	st.status, st.reason, st.set = status, reason, true
	return true
}

func (m *Maker) applyStatus(ctx context.Context, rfqID, status, reason string) {
	if m.store != nil {
		if _, err := m.store.UpdateQuoteStatus(ctx, rfqID, status, reason); err != nil {
			metrics.IncError("maker", "store_update")
			m.logger.Warn("maker.store_failed", zap.String("rfq_id", rfqID), zap.Error(err))
		}
	}
	if m.audit != nil {
		m.auditFailed("update_status", rfqID, m.audit.UpdateStatus(ctx, rfqID, status, reason))
	}
}

func (m *Maker) auditFailed(op, rfqID string, err error) {
	if err == nil {
		return
	}
	metrics.IncError("maker", "audit_"+op)
	m.logger.Warn("maker.audit_failed",
		zap.String("op", op),
		zap.String("rfq_id", rfqID),
		zap.Error(err),
	)
}

func (m *Maker) send(ctx context.Context, rfqID string, req model.Request, price decimal.Decimal, rec *model.QuoteRecord) (string, error) {
	nonce, err := m.nonces.Next(ctx, m.cfg.MakerAddress, m.cfg.MakerChannel)
	if err != nil {
		return "nonce unavailable", err
	}
	q, err := model.NewQuote(req, model.QuoteParams{
		Maker:           m.cfg.MakerAddress,
		Nonce:           nonce,
		Price:           price,
		IsTakerBuy:      m.cfg.IsTakerBuy,
		Window:          m.cfg.Window,
		CollateralAsset: m.cfg.CollateralAsset,
	}, m.now())
	if err != nil {
		return "invalid request", err
	}
	rec.Quote = q

	var (
		mu      sync.Mutex
		lastErr string
	)
	sock, err := m.client.Quote(ctx, m.cfg.MakerChannel, rfqID, q,
		procsock.WithListener(procsock.EventError, func(e procsock.Event) {
			if e.Err == nil {
				return
			}
			mu.Lock()
			lastErr = e.Err.Error()
			mu.Unlock()
		}),
	)
	if err != nil {
		return "not sent", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.Window)
	defer cancel()
	closed, err := sock.Wait(waitCtx)
	if err != nil {
		sock.Close(1001, "quote timed out")
		return "agent timed out", err
	}
	if closed.Code != 0 {
		mu.Lock()
		defer mu.Unlock()
		reason := fmt.Sprintf("agent exited with code %d", closed.Code)
		if lastErr != "" {
			reason += ": " + lastErr
		}
		return reason, errors.New(reason)
	}
	return "", nil
}

func (m *Maker) record(ctx context.Context, rec model.QuoteRecord) {
	if m.store != nil {
		if err := m.store.SaveQuote(ctx, rec); err != nil {
			metrics.IncError("maker", "store_save")
			m.logger.Warn("maker.store_failed", zap.String("rfq_id", rec.RFQID), zap.Error(err))
		}
	}
	if m.audit != nil {
		m.auditFailed("record_quote", rec.RFQID, m.audit.RecordQuote(ctx, rec))
	}
}

func (m *Maker) onNotification(s *session.Session, n model.QuoteNotification) {
	status := model.QuoteStatusBest
	reason := ""
	if n.Outbid() {
		status = model.QuoteStatusOutbid
		reason = "new best " + n.NewBest
	}
	m.logger.Info("maker.quote_notification",
		zap.String("rfq_id", n.RFQID),
		zap.String("status", status),
		zap.String("yours", n.Yours),
		zap.String("new_best", n.NewBest),
	)
	m.publish(model.EventQuoteNotification, s.ID, n.RFQID, n)
	if m.hold(n.RFQID, status, reason) {
		return
	}
	m.goTracked(func(ctx context.Context) {
		m.applyStatus(ctx, n.RFQID, status, reason)
	})
}

func (m *Maker) onQuote(s *session.Session, id string, q model.Quote) {
	m.logger.Debug("maker.quote_echo",
		zap.String("channel", s.ID),
		zap.String("id", id),
		zap.String("nonce", q.Nonce),
	)
}

func (m *Maker) onTransfer(s *session.Session, id string, t model.Transfer) {
	m.logger.Info("maker.transfer_observed",
		zap.String("channel", s.ID),
		zap.String("asset", t.Asset),
		zap.String("amount", t.Amount),
		zap.Bool("deposit", t.IsDeposit),
	)
	m.publish(model.EventTransferObserved, s.ID, id, t)
}

func (m *Maker) onClose(channelID, uri string, code int, reason string) {
	m.publish(model.EventChannelClosed, channelID, "", model.ChannelClosed{Code: code, Reason: reason})

	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping || m.cfg.ReconnectBackoff <= 0 || code == 1000 || code == 1001 {
		return
	}

	m.logger.Warn("maker.channel_lost",
		zap.String("channel", channelID),
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Duration("retry_in", m.cfg.ReconnectBackoff),
	)
	m.goTracked(func(ctx context.Context) {
		select {
		case <-time.After(m.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return
		}
		m.mu.Lock()
		stopping := m.stopping
		m.mu.Unlock()
		if stopping {
			return
		}
		if err := m.connect(ctx, channelID, uri); err != nil {
			metrics.IncError("maker", "reconnect")
			m.logger.Error("maker.reconnect_failed", zap.String("channel", channelID), zap.Error(err))
			return
		}
		m.logger.Info("maker.reconnected", zap.String("channel", channelID))
	})
}

// Stop closes every channel and waits for in-flight quotes.
func (m *Maker) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	err := m.client.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("maker.stopped")
	return err
}
