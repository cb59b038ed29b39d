package network

import (
	"context"
	"fmt"
	"regexp"

	"github.com/multiformats/go-multiaddr"

	"github.com/diiisco/core/internal/collaborators"
)

// bootstrapAddrPattern matches the only multiaddr shapes §6 accepts for a
// resolved bootstrap entry.
var bootstrapAddrPattern = regexp.MustCompile(`^/(dns4|ip4)/[^/]+/tcp/\d+/p2p/.+$`)

// ResolveBootstrapAddrs resolves each configured bootstrap entry (which may
// be a DNS-like alias) through the Ledger collaborator, then parses it as a
// multiaddr, rejecting anything that doesn't match the accepted shape.
func ResolveBootstrapAddrs(ctx context.Context, ledger collaborators.Ledger, entries []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(entries))
	for _, entry := range entries {
		resolved, err := ledger.ResolveBootstrapAlias(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("network: resolve bootstrap alias %q: %w", entry, err)
		}
		if !bootstrapAddrPattern.MatchString(resolved) {
			return nil, fmt.Errorf("network: bootstrap address %q does not match /(dns4|ip4)/host/tcp/port/p2p/id", resolved)
		}
		addr, err := multiaddr.NewMultiaddr(resolved)
		if err != nil {
			return nil, fmt.Errorf("network: parse bootstrap address %q: %w", resolved, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
