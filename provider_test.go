package arprox

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeProvider struct {
	name    string
	results [][]string
	calls   int
	err     error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Fetch(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i], nil
}

var _ = Describe("StaticProvider", func() {
	It("returns a copy of its candidate list on every fetch", func() {
		sp := StaticProvider{ProviderName: "static", Candidates: []string{"1.2.3.4:80"}}
		out, err := sp.Fetch(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]string{"1.2.3.4:80"}))
		out[0] = "mutated"
		Expect(sp.Candidates[0]).To(Equal("1.2.3.4:80"))
	})
})

var _ = Describe("ProviderRunner", func() {
	It("deduplicates candidates within a single scan across providers", func() {
		p1 := &fakeProvider{name: "a", results: [][]string{{"1.1.1.1:80", "2.2.2.2:80"}}}
		p2 := &fakeProvider{name: "b", results: [][]string{{"2.2.2.2:80", "3.3.3.3:80"}}}

		r := NewProviderRunner([]Provider{p1, p2}, ProviderRunnerConfig{})
		out := make(chan string, 10)
		ctx, cancel := context.WithCancel(context.Background())

		r.scanOnce(ctx, make(chan struct{}, 3), out)
		cancel()
		close(out)

		var got []string
		for c := range out {
			got = append(got, c)
		}
		Expect(got).To(ConsistOf("1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"))
	})

	It("isolates a failing provider from the rest of the scan", func() {
		ok := &fakeProvider{name: "ok", results: [][]string{{"9.9.9.9:80"}}}
		bad := &fakeProvider{name: "bad", err: errors.New("boom")}

		r := NewProviderRunner([]Provider{ok, bad}, ProviderRunnerConfig{})
		out := make(chan string, 10)
		r.scanOnce(context.Background(), make(chan struct{}, 3), out)
		close(out)

		var got []string
		for c := range out {
			got = append(got, c)
		}
		Expect(got).To(ConsistOf("9.9.9.9:80"))
	})

	It("defaults MaxConcurrent and RescanEvery when unset", func() {
		r := NewProviderRunner(nil, ProviderRunnerConfig{})
		Expect(r.cfg.MaxConcurrent).To(Equal(3))
		Expect(r.cfg.RescanEvery).To(Equal(180 * time.Second))
	})
})
