package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressForModes_MonotonicAcrossModes(t *testing.T) {
	total := 3
	prev := -1
	for i := 0; i < total; i++ {
		pct := progressForModes(i, total)
		assert.GreaterOrEqual(t, pct, prev)
		prev = pct
	}
}

func TestProgressForModes_ZeroTotalIsZero(t *testing.T) {
	assert.Equal(t, 0, progressForModes(0, 0))
}

func TestNewPool_DefaultsConcurrencyToNumCPUWhenNonPositive(t *testing.T) {
	p := NewPool(nil, nil, nil, nil, nil, "", 0)
	assert.Greater(t, cap(p.sem), 0)
}

func TestNewPool_HonorsExplicitConcurrency(t *testing.T) {
	p := NewPool(nil, nil, nil, nil, nil, "", 4)
	assert.Equal(t, 4, cap(p.sem))
}
