package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFormatting(t *testing.T) {
	plain := New(CategorySelection, SeverityCritical, "no candidates")
	assert.Equal(t, "[selection:critical] no candidates", plain.Error())

	wrapped := Wrap(CategoryProbe, SeverityLow, "probe failed", stderrors.New("boom"))
	assert.Equal(t, "[probe:low] probe failed: boom", wrapped.Error())
}

func TestUnwrap(t *testing.T) {
	underlying := stderrors.New("boom")
	wrapped := Wrap(CategoryCircuit, SeverityLow, "circuit failed", underlying)
	assert.Equal(t, underlying, wrapped.Unwrap())
}

func TestIsComparesCategory(t *testing.T) {
	a := New(CategoryAttach, SeverityLow, "a")
	b := New(CategoryAttach, SeverityHigh, "b")
	c := New(CategorySocks, SeverityLow, "c")

	assert.True(t, a.Is(b), "Is should compare category only")
	assert.False(t, a.Is(c))
}

func TestWithContext(t *testing.T) {
	err := New(CategoryProbe, SeverityLow, "probe error").
		WithContext("fingerprint", "ABCDEF").
		WithContext("attempt", 2)

	assert.Equal(t, "ABCDEF", err.Context["fingerprint"])
	assert.Equal(t, 2, err.Context["attempt"])
}

func TestRetryableConstructors(t *testing.T) {
	assert.True(t, IsRetryable(ConnectionError("dial failed", nil)))
	assert.True(t, IsRetryable(CircuitError("circuit failed", nil)))
	assert.True(t, IsRetryable(SocksError("socks failed", nil)))
	assert.True(t, IsRetryable(TimeoutError("timed out", nil)))
	assert.True(t, IsRetryable(NetworkError("network error", nil)))

	assert.False(t, IsRetryable(SelectionError("no candidates")))
	assert.False(t, IsRetryable(AttachError("attach failed", nil)))
	assert.False(t, IsRetryable(ProbeError("probe failed", nil)))
	assert.False(t, IsRetryable(ConfigurationError("bad config", nil)))
	assert.False(t, IsRetryable(InternalError("internal", nil)))
	assert.False(t, IsRetryable(DirectoryError("bad consensus", nil)))
}

func TestGetCategoryAndSeverity(t *testing.T) {
	err := SelectionError("no candidates")
	assert.Equal(t, CategorySelection, GetCategory(err))
	assert.Equal(t, SeverityCritical, GetSeverity(err))

	assert.Equal(t, CategoryInternal, GetCategory(stderrors.New("plain")))
	assert.Equal(t, SeverityMedium, GetSeverity(stderrors.New("plain")))
}

func TestIsCategory(t *testing.T) {
	err := AttachError("attach failed", nil)
	assert.True(t, IsCategory(err, CategoryAttach))
	assert.False(t, IsCategory(err, CategoryProbe))
	assert.False(t, IsCategory(stderrors.New("plain"), CategoryAttach))
}
