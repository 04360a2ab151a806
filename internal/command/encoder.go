// Package command encodes domain actions into argument vectors for the ryskV12 agent.
package command

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// Sub-commands understood by the agent.
const (
	Connect    = "connect"
	Disconnect = "disconnect"
	Approve    = "approve"
	Balances   = "balances"
	Transfer   = "transfer"
	Positions  = "positions"
	Quote      = "quote"
	Version    = "version"
)

const privateKeyFlag = "--private_key"

var (
	// ErrInvalidArgument wraps every encoding failure.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMissingKey is returned when a signing command is encoded without a private key.
	ErrMissingKey = fmt.Errorf("%w: private key not configured", ErrInvalidArgument)
)

// Encoder turns actions into argument vectors. The private key is fixed at
// construction and appended by the encoder itself, never passed per call.
type Encoder struct {
	env        Env
	privateKey string
}

// NewEncoder builds an encoder for env. privateKey may be empty when only
// unsigned commands (connect, balances, positions, disconnect) are needed.
func NewEncoder(env Env, privateKey string) (*Encoder, error) {
	if env.BaseURL() == "" {
		return nil, fmt.Errorf("%w: unknown environment %q", ErrInvalidArgument, env)
	}
	return &Encoder{env: env, privateKey: strings.TrimSpace(privateKey)}, nil
}

// Env returns the deployment the encoder resolves URIs against.
func (e *Encoder) Env() Env { return e.env }

// CanSign reports whether a private key is configured.
func (e *Encoder) CanSign() bool { return e.privateKey != "" }

// URL resolves uri against the environment base address. Absolute ws/wss URLs pass through.
func (e *Encoder) URL(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", fmt.Errorf("%w: empty uri", ErrInvalidArgument)
	}
	if i := strings.Index(uri, "://"); i > 0 && !strings.ContainsAny(uri[:i], "/?#") {
		ref, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("%w: uri %q: %v", ErrInvalidArgument, uri, err)
		}
		if ref.Scheme != "ws" && ref.Scheme != "wss" {
			return "", fmt.Errorf("%w: uri %q must use ws or wss", ErrInvalidArgument, uri)
		}
		return ref.String(), nil
	}
	// A colon in the first segment ("rfqs:0xabc") would otherwise parse as a scheme.
	if !strings.HasPrefix(uri, "/") {
		uri = "./" + uri
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: uri %q: %v", ErrInvalidArgument, uri, err)
	}
	base, _ := url.Parse(e.env.BaseURL())
	return base.ResolveReference(ref).String(), nil
}

// Connect opens channelID against uri.
func (e *Encoder) Connect(channelID, uri string) ([]string, error) {
	b := newBuilder(Connect)
	b.text("--channel_id", channelID)
	if b.err != nil {
		return nil, b.err
	}
	u, err := e.URL(uri)
	if err != nil {
		return nil, err
	}
	b.text("--url", u)
	return b.build()
}

// Disconnect closes channelID.
func (e *Encoder) Disconnect(channelID string) ([]string, error) {
	b := newBuilder(Disconnect)
	b.text("--channel_id", channelID)
	return b.build()
}

// Approve authorises the protocol to spend amount on chainID.
func (e *Encoder) Approve(chainID int64, amount, rpcURL string) ([]string, error) {
	b := newBuilder(Approve)
	b.positive("--chain_id", chainID)
	b.decimal("--amount", amount)
	b.httpURL("--rpc_url", rpcURL)
	e.sign(b)
	return b.build()
}

// Balances queries account balances over channelID.
func (e *Encoder) Balances(channelID, account string) ([]string, error) {
	b := newBuilder(Balances)
	b.text("--channel_id", channelID)
	b.address("--account", account)
	return b.build()
}

// Positions queries open positions of account over channelID.
func (e *Encoder) Positions(channelID, account string) ([]string, error) {
	b := newBuilder(Positions)
	b.text("--channel_id", channelID)
	b.address("--account", account)
	return b.build()
}

// Transfer deposits or withdraws t.Amount of t.Asset.
func (e *Encoder) Transfer(channelID string, t model.Transfer) ([]string, error) {
	b := newBuilder(Transfer)
	b.text("--channel_id", channelID)
	b.positive("--chain_id", t.ChainID)
	if t.User != "" {
		b.address("--user", t.User)
	}
	b.address("--asset", t.Asset)
	b.decimal("--amount", t.Amount)
	b.digits("--nonce", t.Nonce)
	e.sign(b)
	b.flag("--is_deposit", t.IsDeposit)
	return b.build()
}

// Quote answers rfqID on channelID with q.
func (e *Encoder) Quote(channelID, rfqID string, q model.Quote) ([]string, error) {
	b := newBuilder(Quote)
	b.text("--channel_id", channelID)
	b.text("--rfq_id", rfqID)
	b.address("--asset", q.AssetAddress)
	b.positive("--chain_id", q.ChainID)
	b.positive("--expiry", q.Expiry)
	b.address("--maker", q.Maker)
	b.digits("--nonce", q.Nonce)
	b.decimal("--price", q.Price)
	b.decimal("--quantity", q.Quantity)
	b.decimal("--strike", q.Strike)
	b.positive("--valid_until", q.ValidUntil)
	if q.USD != "" {
		b.decimal("--usd", q.USD)
	}
	if q.CollateralAsset != "" {
		b.address("--collateral", q.CollateralAsset)
	}
	e.sign(b)
	b.flag("--is_put", q.IsPut)
	b.flag("--is_taker_buy", q.IsTakerBuy)
	return b.build()
}

// VersionArgs asks the agent for its version.
func VersionArgs() []string {
	return []string{Version}
}

func (e *Encoder) sign(b *builder) {
	if b.err != nil {
		return
	}
	if e.privateKey == "" {
		b.err = ErrMissingKey
		return
	}
	b.pair(privateKeyFlag, e.privateKey)
}

// builder accumulates tokens and keeps the first validation error.
type builder struct {
	args []string
	err  error
}

func newBuilder(sub string) *builder {
	return &builder{args: []string{sub}}
}

func (b *builder) build() ([]string, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.args, nil
}

func (b *builder) fail(flag, format string, a ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s: %s", ErrInvalidArgument, flag, fmt.Sprintf(format, a...))
	}
}

func (b *builder) pair(flag, value string) {
	b.args = append(b.args, flag, value)
}

func (b *builder) text(flag, value string) {
	switch {
	case strings.TrimSpace(value) == "":
		b.fail(flag, "must not be empty")
	case strings.HasPrefix(value, "--"):
		b.fail(flag, "value %q looks like a flag", value)
	default:
		b.pair(flag, value)
	}
}

func (b *builder) positive(flag string, v int64) {
	if v <= 0 {
		b.fail(flag, "must be positive, got %d", v)
		return
	}
	b.pair(flag, strconv.FormatInt(v, 10))
}

func (b *builder) decimal(flag, value string) {
	if strings.ContainsAny(value, "eE") {
		b.fail(flag, "%q uses exponent notation", value)
		return
	}
	if _, err := decimal.NewFromString(value); err != nil {
		b.fail(flag, "%q is not a decimal", value)
		return
	}
	b.pair(flag, value)
}

func (b *builder) digits(flag, value string) {
	if value == "" {
		b.fail(flag, "must not be empty")
		return
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			b.fail(flag, "%q is not an unsigned integer", value)
			return
		}
	}
	b.pair(flag, value)
}

func (b *builder) address(flag, value string) {
	if !isHexAddress(value) {
		b.fail(flag, "%q is not a 0x-prefixed hex address", value)
		return
	}
	b.pair(flag, value)
}

func (b *builder) httpURL(flag, value string) {
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		b.fail(flag, "%q is not an http(s) url", value)
		return
	}
	b.pair(flag, value)
}

// flag emits a bare presence flag when set; absence means false.
func (b *builder) flag(flag string, set bool) {
	if set {
		b.args = append(b.args, flag)
	}
}

func isHexAddress(s string) bool {
	if len(s) < 3 || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
