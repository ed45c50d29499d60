package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProxy(t *testing.T) {
	p, err := NormalizeProxy("10.0.0.1:3128")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:3128", p)

	p, err = NormalizeProxy(" socks5://gw:1080 ")
	require.NoError(t, err)
	assert.Equal(t, "socks5://gw:1080", p)

	_, err = NormalizeProxy("ftp://gw:21")
	assert.True(t, HasCode(err, ErrCodeConfiguration))

	_, err = NormalizeProxy("http://")
	assert.Error(t, err)
}

func TestRecommendedMemoryLimit(t *testing.T) {
	limit := RecommendedMemoryLimitMB()
	assert.Positive(t, limit)
	if total := TotalSystemMemoryMB(); total > 0 {
		assert.LessOrEqual(t, limit, max(total, fallbackMemoryLimitMB))
	}
}
