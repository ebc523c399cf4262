package domain_test

import (
	"testing"

	"github.com/fairyhunter13/clausepipe/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNextJobType_LinearChain(t *testing.T) {
	next, ok := domain.NextJobType(domain.JobTypeParseDoc)
	assert.True(t, ok)
	assert.Equal(t, domain.JobTypeChunkEmbed, next)

	next, ok = domain.NextJobType(domain.JobTypeChunkEmbed)
	assert.True(t, ok)
	assert.Equal(t, domain.JobTypeExtractNormalize, next)

	next, ok = domain.NextJobType(domain.JobTypeExtractNormalize)
	assert.True(t, ok)
	assert.Equal(t, domain.JobTypeBandMapGraph, next)

	next, ok = domain.NextJobType(domain.JobTypeBandMapGraph)
	assert.True(t, ok)
	assert.Equal(t, domain.JobTypeAnalyze, next)
}

func TestNextJobType_TerminalAndUnknown(t *testing.T) {
	_, ok := domain.NextJobType(domain.JobTypeAnalyze)
	assert.False(t, ok)

	_, ok = domain.NextJobType(domain.JobType("BOGUS"))
	assert.False(t, ok)
}

func TestDefaultLeverage(t *testing.T) {
	l := domain.DefaultLeverage()
	assert.Equal(t, 0.6, l.Investor)
	assert.Equal(t, 0.4, l.Founder)
}
