package arprox

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type sampleConfig struct {
	Name     string        `default:"anon"`
	Count    int           `default:"5"`
	Ratio    float64       `default:"0.5"`
	Enabled  bool          `default:"true"`
	Timeout  time.Duration `default:"2s"`
	Tags     []string      `default:"a,b,c"`
	Required string        `validate:"required"`
}

var _ = Describe("applyDefaults", func() {
	It("fills every zero-valued tagged field with its parsed default", func() {
		cfg := &sampleConfig{}
		applyDefaults(cfg)

		Expect(cfg.Name).To(Equal("anon"))
		Expect(cfg.Count).To(Equal(5))
		Expect(cfg.Ratio).To(Equal(0.5))
		Expect(cfg.Enabled).To(BeTrue())
		Expect(cfg.Timeout).To(Equal(2 * time.Second))
		Expect(cfg.Tags).To(Equal([]string{"a", "b", "c"}))
	})

	It("leaves an already-set field alone", func() {
		cfg := &sampleConfig{Name: "explicit"}
		applyDefaults(cfg)
		Expect(cfg.Name).To(Equal("explicit"))
	})
})

var _ = Describe("validateRequired", func() {
	It("errors naming the first missing required field", func() {
		cfg := &sampleConfig{}
		err := validateRequired(cfg)
		Expect(err).To(MatchError(ErrConfiguration))
		Expect(err.Error()).To(ContainSubstring("Required"))
	})

	It("passes once the required field is set", func() {
		cfg := &sampleConfig{Required: "present"}
		Expect(validateRequired(cfg)).To(Succeed())
	})
})
