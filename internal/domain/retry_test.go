package domain_test

import (
	"strings"
	"testing"

	"github.com/fairyhunter13/clausepipe/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestBackoffSeconds_CapsAtEight(t *testing.T) {
	assert.Equal(t, "2s", domain.BackoffSeconds(1).String())
	assert.Equal(t, "4s", domain.BackoffSeconds(2).String())
	assert.Equal(t, "8s", domain.BackoffSeconds(3).String())
	assert.Equal(t, "8s", domain.BackoffSeconds(4).String())
	assert.Equal(t, "8s", domain.BackoffSeconds(10).String())
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	assert.Equal(t, short, domain.TruncateError(short))

	long := strings.Repeat("x", domain.MaxErrorLen+500)
	truncated := domain.TruncateError(long)
	assert.Len(t, truncated, domain.MaxErrorLen)
}
