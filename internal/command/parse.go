package command

import (
	"fmt"
	"strings"

	"github.com/Checker-Finance/rysk-adapter/pkg/utils"
)

// Args is a decoded argument vector.
type Args struct {
	Name     string
	Flags    map[string]string
	Switches map[string]bool
}

// Get returns the value of a --flag pair, without the leading dashes.
func (a Args) Get(name string) string {
	return a.Flags[name]
}

// Has reports whether a presence flag was set.
func (a Args) Has(name string) bool {
	return a.Switches[name]
}

// Parse decodes a vector produced by the Encoder. A "--flag" token followed
// by a non-flag token is a pair; otherwise it is a presence flag.
func Parse(args []string) (Args, error) {
	if len(args) == 0 || args[0] == "" || strings.HasPrefix(args[0], "--") {
		return Args{}, fmt.Errorf("%w: missing sub-command", ErrInvalidArgument)
	}
	out := Args{
		Name:     args[0],
		Flags:    make(map[string]string),
		Switches: make(map[string]bool),
	}
	for i := 1; i < len(args); i++ {
		tok := args[i]
		if !strings.HasPrefix(tok, "--") || len(tok) == 2 {
			return Args{}, fmt.Errorf("%w: unexpected token %q at %d", ErrInvalidArgument, tok, i)
		}
		name := tok[2:]
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			out.Flags[name] = args[i+1]
			i++
			continue
		}
		out.Switches[name] = true
	}
	return out, nil
}

// Redact returns a copy of args safe for logging: the private key value is masked.
func Redact(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == privateKeyFlag {
			out[i+1] = utils.MaskSecret(out[i+1])
			i++
		}
	}
	return out
}
