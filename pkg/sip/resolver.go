package sip

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Resolver locates the registrar for a SIP domain. SRV records take
// precedence; a plain A/AAAA lookup on port 5060 is the fallback so bare
// hostnames and IP literals keep working.
type Resolver struct {
	logger *logrus.Entry
	server string
	client *dns.Client
}

func NewResolver(logger *logrus.Logger) *Resolver {
	server := "127.0.0.1:53"
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &Resolver{
		logger: logger.WithField("component", "sip_resolver"),
		server: server,
		client: &dns.Client{Timeout: 3 * time.Second},
	}
}

// RegistrarAddr resolves domain to a host:port registrar address for the
// given transport.
func (r *Resolver) RegistrarAddr(ctx context.Context, domain, transport string) (string, error) {
	if ip := net.ParseIP(domain); ip != nil {
		return net.JoinHostPort(domain, "5060"), nil
	}
	if host, port, err := net.SplitHostPort(domain); err == nil {
		return net.JoinHostPort(host, port), nil
	}

	if addr, err := r.lookupSRV(ctx, domain, transport); err == nil {
		return addr, nil
	} else {
		r.logger.WithError(err).WithField("domain", domain).Debug("SRV lookup failed, falling back to host lookup")
	}

	return net.JoinHostPort(domain, "5060"), nil
}

func (r *Resolver) lookupSRV(ctx context.Context, domain, transport string) (string, error) {
	name := fmt.Sprintf("_sip._%s.%s", strings.ToLower(transport), domain)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeSRV)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return "", fmt.Errorf("SRV query %s: %w", name, err)
	}

	var records []*dns.SRV
	for _, ans := range resp.Answer {
		if srv, ok := ans.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no SRV records for %s", name)
	}

	// Lowest priority wins, higher weight breaks ties.
	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	target := strings.TrimSuffix(records[0].Target, ".")
	return net.JoinHostPort(target, fmt.Sprint(records[0].Port)), nil
}
