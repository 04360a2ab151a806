package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/command"
	"github.com/Checker-Finance/rysk-adapter/internal/session"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// ChannelService is what the channel admin routes need from the agent.
type ChannelService interface {
	Channels() []session.Stats
	RequestBalances(ctx context.Context, channelID, account string) error
	RequestPositions(ctx context.Context, channelID, account string) error
	Disconnect(ctx context.Context, channelID string) error
}

// QuoteReader looks up the cached state of a quote.
type QuoteReader interface {
	GetQuote(ctx context.Context, rfqID string) (*model.QuoteRecord, error)
}

// SessionService adapts a session.Client to ChannelService.
type SessionService struct {
	client *session.Client
}

func NewSessionService(client *session.Client) *SessionService {
	return &SessionService{client: client}
}

func (s *SessionService) Channels() []session.Stats {
	sessions := s.client.Sessions()
	out := make([]session.Stats, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Stats())
	}
	return out
}

func (s *SessionService) requireChannel(channelID string) error {
	if _, ok := s.client.Session(channelID); !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownChannel, channelID)
	}
	return nil
}

func (s *SessionService) RequestBalances(ctx context.Context, channelID, account string) error {
	if err := s.requireChannel(channelID); err != nil {
		return err
	}
	_, err := s.client.Balances(ctx, channelID, account)
	return err
}

func (s *SessionService) RequestPositions(ctx context.Context, channelID, account string) error {
	if err := s.requireChannel(channelID); err != nil {
		return err
	}
	_, err := s.client.Positions(ctx, channelID, account)
	return err
}

func (s *SessionService) Disconnect(ctx context.Context, channelID string) error {
	_, err := s.client.Disconnect(ctx, channelID)
	return err
}

// AccountRequest is the body of the balances and positions routes.
type AccountRequest struct {
	Account string `json:"account"`
}

// ChannelHandler serves the channel and quote admin routes.
type ChannelHandler struct {
	logger   *zap.Logger
	channels ChannelService
	quotes   QuoteReader
}

// NewChannelHandler creates a handler. quotes is optional.
func NewChannelHandler(logger *zap.Logger, channels ChannelService, quotes QuoteReader) *ChannelHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelHandler{logger: logger, channels: channels, quotes: quotes}
}

// ListChannels returns a snapshot of every live channel.
func (h *ChannelHandler) ListChannels(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"channels": h.channels.Channels()})
}

// Balances asks the agent to publish balances for an account on the channel.
func (h *ChannelHandler) Balances(c *fiber.Ctx) error {
	return h.accountCommand(c, "balances", h.channels.RequestBalances)
}

// Positions asks the agent to publish positions for an account on the channel.
func (h *ChannelHandler) Positions(c *fiber.Ctx) error {
	return h.accountCommand(c, "positions", h.channels.RequestPositions)
}

func (h *ChannelHandler) accountCommand(c *fiber.Ctx, name string, fn func(context.Context, string, string) error) error {
	channelID := c.Params("id")
	var req AccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if req.Account == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account is required"})
	}

	if err := fn(c.UserContext(), channelID, req.Account); err != nil {
		h.logger.Warn("api."+name+".failed",
			zap.String("channel", channelID),
			zap.Error(err))
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}

	h.logger.Info("api."+name+".requested", zap.String("channel", channelID), zap.String("account", req.Account))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"channel_id": channelID,
		"command":    name,
		"status":     "accepted",
	})
}

// Disconnect closes a channel.
func (h *ChannelHandler) Disconnect(c *fiber.Ctx) error {
	channelID := c.Params("id")
	if err := h.channels.Disconnect(c.UserContext(), channelID); err != nil {
		h.logger.Warn("api.disconnect.failed", zap.String("channel", channelID), zap.Error(err))
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Info("api.disconnect", zap.String("channel", channelID))
	return c.SendStatus(fiber.StatusNoContent)
}

// GetQuote returns the cached quote for an RFQ.
func (h *ChannelHandler) GetQuote(c *fiber.Ctx) error {
	if h.quotes == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "quote store disabled"})
	}
	rfqID := c.Params("rfqId")
	rec, err := h.quotes.GetQuote(c.UserContext(), rfqID)
	if err != nil {
		h.logger.Error("api.get_quote.failed", zap.String("rfq_id", rfqID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if rec == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "quote not found"})
	}
	return c.JSON(rec)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownChannel):
		return fiber.StatusNotFound
	case errors.Is(err, command.ErrMissingKey):
		return fiber.StatusConflict
	case errors.Is(err, command.ErrInvalidArgument):
		return fiber.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
