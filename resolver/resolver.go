// Package resolver discovers signer agent endpoints through DNS SRV records,
// so envelope builders can locate the agent fronting their signing hardware
// without static configuration.
package resolver

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// DefaultDNSServer is the local stub resolver queried by default.
const DefaultDNSServer = "127.0.0.53:53"

// AgentEndpoint is one resolved signer agent address.
type AgentEndpoint struct {
	Host string
	Port uint16
}

// URL renders the endpoint as an HTTP base URL for backend.NewRemoteChannel.
func (e AgentEndpoint) URL() string {
	return fmt.Sprintf("http://%s:%d", strings.TrimSuffix(e.Host, "."), e.Port)
}

// Resolver looks up agent endpoints via DNS SRV.
type Resolver struct {
	server string
	client *dns.Client
}

// New creates a resolver querying the default local DNS server.
func New() *Resolver {
	return &Resolver{server: DefaultDNSServer, client: new(dns.Client)}
}

// WithServer returns a resolver querying the given DNS server (host:port).
func (r *Resolver) WithServer(server string) *Resolver {
	return &Resolver{server: server, client: r.client}
}

// ResolveAgents queries SRV records for the service domain (e.g.
// _signer-agent._tcp.example.com.) and returns the advertised endpoints.
func (r *Resolver) ResolveAgents(domain string) ([]AgentEndpoint, error) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(domain),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	in, _, err := r.client.Exchange(msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %q failed: %w", domain, err)
	}

	endpoints := make([]AgentEndpoint, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			endpoints = append(endpoints, AgentEndpoint{Host: srv.Target, Port: srv.Port})
		}
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no agent endpoints advertised for %q", domain)
	}
	return endpoints, nil
}
