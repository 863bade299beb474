package arprox

import (
	"bufio"
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func pipeProxy() (*Proxy, net.Conn) {
	p, err := NewProxy("1.2.3.4", 8080)
	Expect(err).NotTo(HaveOccurred())
	client, server := net.Pipe()
	Expect(p.acquirePlain(func() (net.Conn, error) { return client, nil })).To(Succeed())
	return p, server
}

var _ = Describe("NGTRS registry", func() {
	It("maps every protocol name to a negotiator that reports its own key", func() {
		for proto, ngtr := range NGTRS {
			Expect(ngtr.Name()).To(Equal(proto))
		}
		Expect(NGTRS).To(HaveLen(len(AllProtocols)))
	})
})

var _ = Describe("basicAuthHeader", func() {
	It("base64-encodes user:pass with a Basic prefix", func() {
		Expect(basicAuthHeader("alice", "secret")).To(Equal("Basic YWxpY2U6c2VjcmV0"))
	})
})

var _ = Describe("connectTunnel", func() {
	It("succeeds on a 2xx CONNECT response", func() {
		p, server := pipeProxy()
		defer p.Close()
		defer server.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			r := bufio.NewReader(server)
			_, _ = r.ReadString('\n') // CONNECT line
			_, _ = r.ReadString('\n') // Host line
			_, _ = r.ReadString('\n') // blank line
			_, _ = server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := connectTunnel(ctx, p, "10.0.0.1", 443)
		Expect(err).NotTo(HaveOccurred())
		<-done
	})

	It("fails on a non-2xx CONNECT response", func() {
		p, server := pipeProxy()
		defer p.Close()
		defer server.Close()

		go func() {
			r := bufio.NewReader(server)
			_, _ = r.ReadString('\n')
			_, _ = r.ReadString('\n')
			_, _ = r.ReadString('\n')
			_, _ = server.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := connectTunnel(ctx, p, "10.0.0.1", 443)
		Expect(err).To(MatchError(ErrBadStatus))
	})
})

var _ = Describe("socks4Negotiator", func() {
	It("rejects a non-IPv4 judge address", func() {
		p, server := pipeProxy()
		defer p.Close()
		defer server.Close()

		ctx := context.Background()
		err := socks4Negotiator{}.Negotiate(ctx, p, "not-an-ip", 80)
		Expect(err).To(MatchError(ErrValue))
	})

	It("succeeds on reply code 0x5a", func() {
		p, server := pipeProxy()
		defer p.Close()
		defer server.Close()

		go func() {
			buf := make([]byte, 9)
			_, _ = server.Read(buf)
			_, _ = server.Write([]byte{0x00, 0x5a, 0x00, 0x00, 0, 0, 0, 0})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := socks4Negotiator{}.Negotiate(ctx, p, "10.0.0.1", 80)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("socks5Negotiator", func() {
	It("succeeds on a no-auth greeting and success reply", func() {
		p, server := pipeProxy()
		defer p.Close()
		defer server.Close()

		go func() {
			greet := make([]byte, 3)
			_, _ = server.Read(greet)
			_, _ = server.Write([]byte{0x05, 0x00})

			req := make([]byte, 10)
			_, _ = server.Read(req)
			_, _ = server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := socks5Negotiator{}.Negotiate(ctx, p, "10.0.0.1", 443)
		Expect(err).NotTo(HaveOccurred())
	})
})
