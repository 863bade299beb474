package arprox

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("errKindKey", func() {
	It("maps known sentinels to their stable counter key", func() {
		Expect(errKindKey(fmt.Errorf("%w: refused", ErrProxyConn))).To(Equal("ProxyConnError"))
		Expect(errKindKey(fmt.Errorf("%w: slow", ErrProxyTimeout))).To(Equal("ProxyTimeoutError"))
		Expect(errKindKey(fmt.Errorf("%w: bad", ErrBadStatusLine))).To(Equal("BadStatusLine"))
		Expect(errKindKey(fmt.Errorf("%w: eof", ErrTLSHandshake))).To(Equal("TLSHandshakeError"))
	})

	It("falls back to the error's own text for unknown errors", func() {
		err := errors.New("something unexpected")
		Expect(errKindKey(err)).To(Equal("something unexpected"))
	})
})

var _ = Describe("isRecoverableCheckError", func() {
	It("treats transient proxy errors as recoverable", func() {
		Expect(isRecoverableCheckError(fmt.Errorf("%w", ErrProxyTimeout))).To(BeTrue())
		Expect(isRecoverableCheckError(fmt.Errorf("%w", ErrBadStatus))).To(BeTrue())
	})

	It("treats a TLS handshake failure as recoverable (the checker retries with the next judge/try)", func() {
		Expect(isRecoverableCheckError(fmt.Errorf("%w", ErrTLSHandshake))).To(BeTrue())
	})

	It("treats configuration errors as unrecoverable", func() {
		Expect(isRecoverableCheckError(fmt.Errorf("%w", ErrConfiguration))).To(BeFalse())
	})
})

var _ = Describe("isRecoverableForwardError", func() {
	It("treats a dropped connection as recoverable", func() {
		Expect(isRecoverableForwardError(fmt.Errorf("%w", ErrProxyConn))).To(BeTrue())
	})

	It("treats ErrNoProxy as unrecoverable", func() {
		Expect(isRecoverableForwardError(fmt.Errorf("%w", ErrNoProxy))).To(BeFalse())
	})

	It("never retries a TLS handshake failure, even though ErrProxyConn would be recoverable", func() {
		Expect(isRecoverableForwardError(fmt.Errorf("%w", ErrTLSHandshake))).To(BeFalse())
	})
})
