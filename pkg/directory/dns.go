package directory

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/jllopis/contractnet/pkg/errors"
)

// DNSProvider discovers peers through SRV records named
// _<role>._cnet.<domain>. The first label of each SRV target is the peer id
// and TXT records on the target carry key=value labels.
type DNSProvider struct {
	Domain string
	// Server is the resolver address (host:port). Empty uses the first
	// nameserver in /etc/resolv.conf.
	Server string
	Roles  []string
	Client *dns.Client
}

// NewDNSProvider creates a provider for roles under domain.
func NewDNSProvider(domain, server string, roles []string) *DNSProvider {
	return &DNSProvider{
		Domain: strings.TrimSuffix(strings.TrimSpace(domain), "."),
		Server: strings.TrimSpace(server),
		Roles:  roles,
		Client: &dns.Client{Net: "udp", Timeout: 2 * time.Second},
	}
}

// ServiceName returns the SRV owner name queried for role.
func ServiceName(role, domain string) string {
	return dns.Fqdn("_" + normalizeRole(role) + "._cnet." + strings.TrimSuffix(domain, "."))
}

// List implements Provider.
func (p *DNSProvider) List(ctx context.Context) ([]Peer, error) {
	if p == nil || p.Domain == "" || len(p.Roles) == 0 {
		return nil, nil
	}
	server, err := p.server()
	if err != nil {
		return nil, err
	}
	var out []Peer
	for _, role := range p.Roles {
		peers, err := p.listRole(ctx, server, role)
		if err != nil {
			return nil, err
		}
		out = append(out, peers...)
	}
	return out, nil
}

func (p *DNSProvider) listRole(ctx context.Context, server, role string) ([]Peer, error) {
	resp, err := p.query(ctx, server, ServiceName(role, p.Domain), dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.Errorf(errors.CodeTransport, "srv lookup for %s: %s", role, dns.RcodeToString[resp.Rcode])
	}

	glue := map[string]string{}
	for _, rr := range resp.Extra {
		if a, ok := rr.(*dns.A); ok {
			glue[strings.ToLower(a.Hdr.Name)] = a.A.String()
		}
	}

	var out []Peer
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		target := strings.ToLower(srv.Target)
		host := strings.TrimSuffix(target, ".")
		if ip, ok := glue[target]; ok {
			host = ip
		}
		labels, err := p.labels(ctx, server, srv.Target)
		if err != nil {
			return nil, err
		}
		id := labels["id"]
		if id == "" {
			id = dns.SplitDomainName(target)[0]
		}
		delete(labels, "id")
		if len(labels) == 0 {
			labels = nil
		}
		out = append(out, Peer{
			ID:     id,
			Role:   normalizeRole(role),
			Addr:   net.JoinHostPort(host, strconv.Itoa(int(srv.Port))),
			Labels: labels,
		})
	}
	return out, nil
}

func (p *DNSProvider) labels(ctx context.Context, server, name string) (map[string]string, error) {
	resp, err := p.query(ctx, server, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, entry := range txt.Txt {
			key, value, ok := strings.Cut(entry, "=")
			if ok && key != "" {
				labels[key] = value
			}
		}
	}
	return labels, nil
}

func (p *DNSProvider) query(ctx context.Context, server, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	client := p.Client
	if client == nil {
		client = &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, errors.New(errors.CodeTransport, "dns query", err).
			WithContext("name", name).
			WithRecoverable(true)
	}
	return resp, nil
}

func (p *DNSProvider) server() (string, error) {
	if p.Server != "" {
		return p.Server, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "", errors.New(errors.CodeInvalidArgument, "no dns server configured", err)
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
