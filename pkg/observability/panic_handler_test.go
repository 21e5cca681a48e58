package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "sweep")
		panic("boom")
	}()

	entry := decodeLine(t, &buf)
	assert.Equal(t, "boom", entry["panic"])
	assert.Equal(t, "sweep", entry["context"])
	assert.NotEmpty(t, entry["stack"])
}

func TestRecoverPanicWithCallback(t *testing.T) {
	called := false
	func() {
		defer RecoverPanicWithCallback(NewNopLogger(), "worker", func() { called = true })
		panic("boom")
	}()
	assert.True(t, called)

	called = false
	func() {
		defer RecoverPanicWithCallback(NewNopLogger(), "worker", func() { called = true })
	}()
	assert.False(t, called)
}

func TestPanicError(t *testing.T) {
	assert.NoError(t, PanicError(nil))
	assert.EqualError(t, PanicError("bad"), "panic: bad")
}
