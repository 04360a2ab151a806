package command

import (
	"fmt"
	"strings"
)

// Env selects which Rysk deployment the agent connects to.
type Env string

const (
	EnvLocal   Env = "local"
	EnvTestnet Env = "testnet"
	EnvMainnet Env = "mainnet"
)

var baseURLs = map[Env]string{
	EnvLocal:   "ws://localhost:8000/",
	EnvTestnet: "wss://rip-testnet.rysk.finance/",
	EnvMainnet: "wss://v12.rysk.finance/",
}

// ParseEnv maps a configuration string onto an Env.
func ParseEnv(s string) (Env, error) {
	env := Env(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := baseURLs[env]; !ok {
		return "", fmt.Errorf("%w: unknown environment %q", ErrInvalidArgument, s)
	}
	return env, nil
}

// BaseURL returns the websocket root of the deployment, with a trailing slash.
func (e Env) BaseURL() string {
	return baseURLs[e]
}

func (e Env) String() string {
	return string(e)
}
