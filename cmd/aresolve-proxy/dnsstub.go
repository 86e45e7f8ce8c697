package main

import (
	"github.com/gwnet/aresolve"
	"github.com/miekg/dns"
)

// dnsStub is an optional embedded DNS listener, built directly on the
// teacher's dns.Msg/dns.A/dns.AAAA construction idiom (dnslistener.go),
// that answers A/AAAA queries purely from whatever the resolver context
// has already cached -- it never triggers a new resolution and never
// forwards upstream, so it is a thin read-only window into the cache
// rather than a reimplementation of a DNS resolver.
type dnsStub struct {
	*dns.Server
	ctx *aresolve.Ctx
}

func newDNSStub(addr string, ctx *aresolve.Ctx) *dnsStub {
	s := &dnsStub{ctx: ctx}
	s.Server = &dns.Server{Addr: addr, Net: "udp", Handler: s}
	return s
}

func (s *dnsStub) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true

	for _, q := range req.Question {
		switch q.Qtype {
		case dns.TypeA, dns.TypeAAAA:
			s.answer(m, q)
		default:
			m.Rcode = dns.RcodeNotImplemented
		}
	}

	if len(m.Answer) == 0 && m.Rcode == dns.RcodeSuccess {
		m.Rcode = dns.RcodeNameError
	}

	_ = w.WriteMsg(m)
}

func (s *dnsStub) answer(m *dns.Msg, q dns.Question) {
	name := trimDot(q.Name)
	ep, err := s.ctx.CacheLookup(name, "0")
	if err != nil {
		return
	}
	addr := ep.Addr()
	switch {
	case q.Qtype == dns.TypeA && addr.Is4():
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   addr.AsSlice(),
		})
	case q.Qtype == dns.TypeAAAA && !addr.Is4():
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
			AAAA: addr.AsSlice(),
		})
	}
}

func trimDot(name string) string {
	if l := len(name); l > 0 && name[l-1] == '.' {
		return name[:l-1]
	}
	return name
}
