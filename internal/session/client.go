// Package session drives the ryskV12 agent: it launches commands, keeps one
// long-running connect process per channel and routes classified messages to
// the host.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/command"
	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/internal/procsock"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// ErrChannelInUse is returned by Connect when the channel already has a live session.
var ErrChannelInUse = errors.New("channel already connected")

// ErrUnknownChannel is returned when no session exists for a channel.
var ErrUnknownChannel = errors.New("unknown channel")

// Throttle paces command launches. *rate.Manager satisfies it.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Config is the immutable agent configuration shared by every session.
type Config struct {
	CLIPath    string
	Env        command.Env
	PrivateKey string
}

// Client launches agent commands and tracks channel sessions.
type Client struct {
	cliPath  string
	encoder  *command.Encoder
	logger   *zap.Logger
	spawner  procsock.Spawner
	throttle Throttle

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSpawner replaces the os/exec spawner.
func WithSpawner(s procsock.Spawner) Option {
	return func(c *Client) { c.spawner = s }
}

// WithThrottle paces launches per sub-command.
func WithThrottle(t Throttle) Option {
	return func(c *Client) { c.throttle = t }
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "./ryskV12"
	}
	enc, err := command.NewEncoder(cfg.Env, cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cliPath:  cfg.CLIPath,
		encoder:  enc,
		logger:   zap.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encoder exposes the command encoder bound to this client's key and environment.
func (c *Client) Encoder() *command.Encoder { return c.encoder }

// Execute launches the agent with args. The returned error is only a throttle
// or context failure; process failures arrive as socket events.
func (c *Client) Execute(ctx context.Context, args []string, opts ...procsock.Option) (*procsock.Socket, error) {
	if c.throttle != nil && len(args) > 0 {
		if err := c.throttle.Wait(ctx, args[0]); err != nil {
			return nil, fmt.Errorf("throttle %s: %w", args[0], err)
		}
	}
	base := []procsock.Option{procsock.WithLogger(c.logger)}
	if c.spawner != nil {
		base = append(base, procsock.WithSpawner(c.spawner))
	}
	return procsock.Launch(c.cliPath, args, append(base, opts...)...), nil
}

// run launches a one-shot command and logs its output.
func (c *Client) run(ctx context.Context, args []string, opts ...procsock.Option) (*procsock.Socket, error) {
	name := args[0]
	logOutput := []procsock.Option{
		procsock.WithListener(procsock.EventMessage, func(e procsock.Event) {
			c.logger.Debug("session.command_output", zap.String("command", name), zap.ByteString("line", e.Data))
		}),
		procsock.WithListener(procsock.EventError, func(e procsock.Event) {
			c.logger.Warn("session.command_error", zap.String("command", name), zap.Error(e.Err))
		}),
		procsock.WithListener(procsock.EventClose, func(e procsock.Event) {
			if e.Code != 0 {
				metrics.IncError("command", name)
				c.logger.Warn("session.command_failed",
					zap.String("command", name),
					zap.Int("code", e.Code),
					zap.Strings("args", command.Redact(args)),
				)
			}
		}),
	}
	return c.Execute(ctx, args, append(logOutput, opts...)...)
}

// Connect opens a channel and starts routing its messages to h.
func (c *Client) Connect(ctx context.Context, channelID, uri string, h Handlers) (*Session, error) {
	args, err := c.encoder.Connect(channelID, uri)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.sessions[channelID]; ok && existing.State() != procsock.Closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelInUse, channelID)
	}
	s := newSession(channelID, uri, args[len(args)-1], h, c.logger)
	c.sessions[channelID] = s
	c.mu.Unlock()

	metrics.ActiveChannels.Inc()
	sock, err := c.Execute(ctx, args, s.options(c.forget)...)
	if err != nil {
		metrics.ActiveChannels.Dec()
		c.forget(s)
		return nil, err
	}
	s.attach(sock)

	c.logger.Info("session.connected",
		zap.String("channel", channelID),
		zap.String("url", s.URL),
		zap.Int("pid", sock.Pid()),
	)
	return s, nil
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.ID] == s {
		delete(c.sessions, s.ID)
	}
}

// Session returns the live session of channelID.
func (c *Client) Session(channelID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[channelID]
	return s, ok
}

// Sessions lists live sessions ordered by channel id.
func (c *Client) Sessions() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Disconnect asks the agent to leave channelID and terminates its connect process.
func (c *Client) Disconnect(ctx context.Context, channelID string) (*procsock.Socket, error) {
	args, err := c.encoder.Disconnect(channelID)
	if err != nil {
		return nil, err
	}
	s, ok := c.Session(channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	sock, err := c.run(ctx, args)
	if err != nil {
		return nil, err
	}
	s.Close(1000, "disconnect")
	return sock, nil
}

// Approve authorises spending of amount on chainID.
func (c *Client) Approve(ctx context.Context, chainID int64, amount, rpcURL string, opts ...procsock.Option) (*procsock.Socket, error) {
	args, err := c.encoder.Approve(chainID, amount, rpcURL)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, args, opts...)
}

// Balances requests account balances; the answer arrives on channelID.
func (c *Client) Balances(ctx context.Context, channelID, account string, opts ...procsock.Option) (*procsock.Socket, error) {
	args, err := c.encoder.Balances(channelID, account)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, args, opts...)
}

// Positions requests open positions; the answer arrives on channelID.
func (c *Client) Positions(ctx context.Context, channelID, account string, opts ...procsock.Option) (*procsock.Socket, error) {
	args, err := c.encoder.Positions(channelID, account)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, args, opts...)
}

// Transfer submits a deposit or withdrawal.
func (c *Client) Transfer(ctx context.Context, channelID string, t model.Transfer, opts ...procsock.Option) (*procsock.Socket, error) {
	args, err := c.encoder.Transfer(channelID, t)
	if err != nil {
		return nil, err
	}
	c.logger.Info("session.transfer",
		zap.String("channel", channelID),
		zap.String("asset", t.Asset),
		zap.String("amount", t.Amount),
		zap.Bool("deposit", t.IsDeposit),
	)
	return c.run(ctx, args, opts...)
}

// Quote answers rfqID over channelID.
func (c *Client) Quote(ctx context.Context, channelID, rfqID string, q model.Quote, opts ...procsock.Option) (*procsock.Socket, error) {
	args, err := c.encoder.Quote(channelID, rfqID, q)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, args, opts...)
}

// Shutdown closes every session and waits for their processes to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	sessions := c.Sessions()
	for _, s := range sessions {
		s.Close(1001, "shutdown")
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
