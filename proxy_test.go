package arprox

import (
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewProxy", func() {
	It("rejects a non-IP host", func() {
		_, err := NewProxy("example.com", 8080)
		Expect(err).To(MatchError(ErrValue))
	})

	It("rejects an out-of-range port", func() {
		_, err := NewProxy("1.2.3.4", 70000)
		Expect(err).To(MatchError(ErrValue))
	})

	It("builds a Proxy from a valid IP literal and port", func() {
		p, err := NewProxy("1.2.3.4", 8080, ProtoHTTP, ProtoSocks5)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Addr()).To(Equal("1.2.3.4:8080"))
		Expect(p.ExpectedTypes).To(HaveKey(ProtoHTTP))
		Expect(p.ExpectedTypes).To(HaveKey(ProtoSocks5))
	})
})

var _ = Describe("Proxy.Schemes", func() {
	var p *Proxy

	BeforeEach(func() {
		var err error
		p, err = NewProxy("1.2.3.4", 8080)
		Expect(err).NotTo(HaveOccurred())
	})

	It("reports no schemes before any protocol is discovered", func() {
		Expect(p.Schemes()).To(BeEmpty())
	})

	It("reports HTTP once an HTTP-capable protocol is discovered", func() {
		p.SetType(ProtoHTTP, High)
		Expect(p.Schemes()).To(ContainElement("HTTP"))
		Expect(p.HasScheme("HTTP")).To(BeTrue())
	})

	It("reports both schemes when both are discovered", func() {
		p.SetType(ProtoHTTP, High)
		p.SetType(ProtoHTTPS, "")
		Expect(p.Schemes()).To(ContainElements("HTTP", "HTTPS"))
	})
})

var _ = Describe("Proxy.Priority", func() {
	It("ranks a proxy with no requests at zero", func() {
		p, err := NewProxy("1.2.3.4", 8080)
		Expect(err).NotTo(HaveOccurred())
		pr := p.Priority()
		Expect(pr.ErrorRate).To(Equal(0.0))
		Expect(pr.AvgRespTime).To(Equal(time.Duration(0)))
	})

	It("orders lower error rate ahead of higher error rate", func() {
		low := Priority{ErrorRate: 0.1, AvgRespTime: 500 * time.Millisecond}
		high := Priority{ErrorRate: 0.5, AvgRespTime: 10 * time.Millisecond}
		Expect(low.Less(high)).To(BeTrue())
		Expect(high.Less(low)).To(BeFalse())
	})

	It("breaks ties on avg response time", func() {
		fast := Priority{ErrorRate: 0.2, AvgRespTime: 10 * time.Millisecond}
		slow := Priority{ErrorRate: 0.2, AvgRespTime: 500 * time.Millisecond}
		Expect(fast.Less(slow)).To(BeTrue())
	})
})

var _ = Describe("Stat", func() {
	It("computes error rate as errors over requests", func() {
		s := newStat()
		s.recordRequest()
		s.recordRequest()
		s.recordError("ProxyConnError")
		Expect(s.ErrorRate()).To(Equal(0.5))
	})

	It("averages recorded latencies", func() {
		s := newStat()
		s.recordLatency(100 * time.Millisecond)
		s.recordLatency(300 * time.Millisecond)
		Expect(s.AvgRespTime()).To(Equal(200 * time.Millisecond))
	})
})

var _ = Describe("Proxy.AsJSON / AsText", func() {
	It("renders AsText as host:port newline", func() {
		p, err := NewProxy("1.2.3.4", 8080)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.AsText()).To(Equal("1.2.3.4:8080\n"))
	})

	It("renders AsJSON with ordered types and derived stats", func() {
		p, err := NewProxy("1.2.3.4", 8080)
		Expect(err).NotTo(HaveOccurred())
		p.SetType(ProtoHTTP, High)
		data, err := p.AsJSON()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"host":"1.2.3.4"`))
		Expect(string(data)).To(ContainSubstring(`"type":"HTTP"`))
	})
})

var _ = Describe("Proxy connection slots", func() {
	It("acquires a plain connection via the supplied dialer", func() {
		p, err := NewProxy("1.2.3.4", 8080)
		Expect(err).NotTo(HaveOccurred())

		client, server := net.Pipe()
		defer server.Close()

		err = p.acquirePlain(func() (net.Conn, error) { return client, nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Conn()).To(Equal(client))
		p.Close()
	})
})
