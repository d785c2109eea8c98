package codec

import (
	"fmt"
	"strings"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
)

// DecodeCommand parses a command frame body (terminator removed) as the controller sees it.
// It returns the command and its wire tag, which is empty for untagged frames.
// Used by the bench simulator and the raw send path.
func (c *Codec) DecodeCommand(body string) (domain.Command, string, error) {
	payload, err := verifyChecksum(c.table, strings.TrimSpace(body))
	if err != nil {
		return domain.Command{}, "", err
	}

	var tag string
	if prefix := c.table.Correlation.Prefix; c.table.Correlation.Enabled && strings.HasPrefix(payload, prefix) {
		rest := strings.TrimPrefix(payload, prefix)
		tag, payload, _ = strings.Cut(rest, " ")
	}

	payload = strings.TrimSpace(payload)
	upper := strings.ToUpper(payload)

	// Tokens may contain spaces ("MODE AUTO"); the longest matching token wins.
	var (
		found domain.CommandKind
		best  int
	)
	for _, kind := range domain.CommandKinds {
		spec, ok := c.table.Commands[kind]
		if !ok || spec.Token == "" || len(spec.Token) <= best {
			continue
		}
		token := strings.ToUpper(spec.Token)
		if upper == token || strings.HasPrefix(upper, token+" ") {
			found, best = kind, len(token)
		}
	}
	if best == 0 {
		return domain.Command{}, tag, fmt.Errorf("%w: %q", domain.ErrUnknownCommand, payload)
	}

	cmd := domain.Command{ID: tag, Kind: found, Payload: strings.TrimSpace(payload[best:])}
	return cmd, tag, nil
}
