package instance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// DNSResolver looks names up with PTR queries against the system's configured
// nameservers and falls back to the platform resolver.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver reads nameservers from resolvConf. A missing file leaves only
// the platform resolver.
func NewDNSResolver(resolvConf string) *DNSResolver {
	r := &DNSResolver{client: new(dns.Client)}
	if cfg, err := dns.ClientConfigFromFile(resolvConf); err == nil {
		for _, s := range cfg.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	return r
}

func (r *DNSResolver) LookupName(ctx context.Context, addr netip.Addr) (string, error) {
	if name, err := r.lookupPTR(ctx, addr); err == nil {
		return name, nil
	}
	names, err := net.DefaultResolver.LookupAddr(ctx, addr.WithZone("").String())
	if err != nil {
		return "", fmt.Errorf("reverse lookup %s: %w", addr, err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("reverse lookup %s: no names", addr)
	}
	return strings.TrimSuffix(names[0], "."), nil
}

func (r *DNSResolver) lookupPTR(ctx context.Context, addr netip.Addr) (string, error) {
	if len(r.servers) == 0 {
		return "", errors.New("no nameservers")
	}
	arpa, err := dns.ReverseAddr(addr.WithZone("").String())
	if err != nil {
		return "", err
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range in.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		lastErr = fmt.Errorf("no PTR record from %s", server)
	}
	return "", lastErr
}
