package arprox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakePool struct {
	proxy     *Proxy
	getErr    error
	removed   []string
}

func (f *fakePool) Get(scheme string) (*Proxy, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.proxy, nil
}

func (f *fakePool) Remove(addr string) {
	f.removed = append(f.removed, addr)
}

var _ = Describe("Server control API", func() {
	It("removes a proxy address via /api/remove/<addr> and answers 204", func() {
		pool := &fakePool{}
		srv := NewServer(ServerConfig{}, pool)

		client, server := net.Pipe()
		req, err := http.NewRequest(http.MethodGet, "http://proxycontrol/api/remove/1.2.3.4:8080", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Host = "proxycontrol"

		go func() {
			_ = req.Write(client)
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			r, err := http.ReadRequest(bufio.NewReader(server))
			Expect(err).NotTo(HaveOccurred())
			srv.handleControl(server, r)
		}()

		br := bufio.NewReader(client)
		resp, err := http.ReadResponse(br, req)
		Expect(err).NotTo(HaveOccurred())
		<-done

		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		Expect(resp.Header.Get("Access-Control-Allow-Credentials")).To(Equal("true"))
		Expect(pool.removed).To(ConsistOf("1.2.3.4:8080"))
	})

	It("reports 204 for an unknown history url", func() {
		pool := &fakePool{}
		srv := NewServer(ServerConfig{}, pool)

		client, server := net.Pipe()
		req, err := http.NewRequest(http.MethodGet, "http://proxycontrol/api/history/url:http://nope", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Host = "proxycontrol"

		go func() { _ = req.Write(client) }()

		resp := make(chan *http.Response, 1)
		go func() {
			r, _ := http.ReadRequest(bufio.NewReader(server))
			srv.handleControl(server, r)
		}()
		go func() {
			br := bufio.NewReader(client)
			r, err := http.ReadResponse(br, nil)
			if err == nil {
				resp <- r
			} else {
				resp <- nil
			}
		}()
		r := <-resp
		Expect(r).NotTo(BeNil())
		Expect(r.StatusCode).To(Equal(http.StatusNoContent))
	})

	It("reports a matching history entry as 200 JSON, keyed per client", func() {
		pool := &fakePool{}
		srv := NewServer(ServerConfig{}, pool)
		srv.history[historyKey("pipe", "url:http://example.invalid/")] = historyEntry{
			URL: "http://example.invalid/", ProxyAddr: "9.9.9.9:8080", At: time.Now(),
		}

		client, server := net.Pipe()
		req, err := http.NewRequest(http.MethodGet, "http://proxycontrol/api/history/url:http://example.invalid/", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Host = "proxycontrol"

		go func() { _ = req.Write(client) }()

		done := make(chan struct{})
		go func() {
			defer close(done)
			r, _ := http.ReadRequest(bufio.NewReader(server))
			srv.handleControl(server, r)
		}()

		br := bufio.NewReader(client)
		resp, err := http.ReadResponse(br, req)
		Expect(err).NotTo(HaveOccurred())
		<-done

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
	})
})

var _ = Describe("Server forwarding", func() {
	It("forwards a plain HTTP request through a working proxy end to end", func() {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Upstream", "yes")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("hello"))
		}))
		defer upstream.Close()

		host, portStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		var port int
		_, err = fmt.Sscan(portStr, &port)
		Expect(err).NotTo(HaveOccurred())

		proxy, err := NewProxy(host, port, ProtoHTTP)
		Expect(err).NotTo(HaveOccurred())
		proxy.SetType(ProtoHTTP, High)

		pool := &fakePool{proxy: proxy}
		srv := NewServer(ServerConfig{InjectProxyInfo: true}, pool)

		Expect(srv.Start(context.Background())).To(Succeed())
		defer srv.Close()

		conn, err := net.Dial("tcp", srv.listener.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		httpReq, err := http.NewRequest(http.MethodGet, "http://"+upstream.Listener.Addr().String()+"/", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(httpReq.WriteProxy(conn)).To(Succeed())

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		resp, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("X-Proxy-Info")).To(Equal(proxy.Addr()))
	})

	It("returns a bad gateway response when the pool is exhausted", func() {
		pool := &fakePool{getErr: errors.New("no proxy")}
		srv := NewServer(ServerConfig{MaxTries: 1}, pool)

		Expect(srv.Start(context.Background())).To(Succeed())
		defer srv.Close()

		conn, err := net.Dial("tcp", srv.listener.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		httpReq, err := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(httpReq.WriteProxy(conn)).To(Succeed())

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		resp, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
	})
})
