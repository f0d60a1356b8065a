package productbatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxProducts_Boundary(t *testing.T) {
	assert.Equal(t, 100, MaxProducts)
	assert.True(t, 100 <= MaxProducts)
	assert.False(t, 101 <= MaxProducts)
}
