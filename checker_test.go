package arprox

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("anonRank", func() {
	It("orders Transparent below Anonymous below High", func() {
		Expect(anonRank(Transparent)).To(BeNumerically("<", anonRank(Anonymous)))
		Expect(anonRank(Anonymous)).To(BeNumerically("<", anonRank(High)))
	})
})

// fakeHTTPProxy listens on loopback and answers any HTTP request by echoing
// every received header line back in the response body — exactly what an
// echo-style judge does, and what probeJudge needs to see its verification
// code/Referer/Cookie markers reflected back. None of the echoed header
// names contain "via" or "proxy", so a probing Checker classifies it High.
func fakeHTTPProxy() (addr string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				var reqLines []string
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					trimmed := strings.TrimRight(line, "\r\n")
					if trimmed == "" {
						break
					}
					reqLines = append(reqLines, trimmed)
				}
				body := strings.Join(reqLines, "\n")
				resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				_, _ = c.Write([]byte(resp))
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

var _ = Describe("Checker.Check", func() {
	It("classifies a clean HTTP proxy as High anonymity", func() {
		judgeAddr, stopJudge := fakeHTTPProxy()
		defer stopJudge()
		host, portStr, err := net.SplitHostPort(judgeAddr)
		Expect(err).NotTo(HaveOccurred())
		port, err := strconv.Atoi(portStr)
		Expect(err).NotTo(HaveOccurred())

		reg, err := NewJudgeRegistry([]string{"http://" + judgeAddr + "/get"}, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Warmup(context.Background(), nil)).To(Succeed())
		// force-mark ready: the fake proxy above answers any request with 200,
		// including the registry's own warmup GET, so Warmup already did this.
		_ = host
		_ = port

		checker := NewChecker(reg, nil, CheckerConfig{
			Timeout:  2 * time.Second,
			MaxTries: 1,
		})

		proxy, err := NewProxy(host, port, ProtoHTTP)
		Expect(err).NotTo(HaveOccurred())

		err = checker.Check(context.Background(), proxy)
		Expect(err).NotTo(HaveOccurred())
		Expect(proxy.Types()[ProtoHTTP]).To(Equal(High))
	})

	It("fails when no judge is ready for the only expected protocol", func() {
		reg, err := NewJudgeRegistry(nil, time.Second)
		Expect(err).NotTo(HaveOccurred())

		checker := NewChecker(reg, nil, CheckerConfig{MaxTries: 1})
		proxy, err := NewProxy("127.0.0.1", 1, ProtoHTTP)
		Expect(err).NotTo(HaveOccurred())

		err = checker.Check(context.Background(), proxy)
		Expect(err).To(HaveOccurred())
	})
})
