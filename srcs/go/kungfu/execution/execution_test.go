package execution

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Par(t *testing.T) {
	var sum int64
	err := Par(10, func(i int) error {
		atomic.AddInt64(&sum, int64(i))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(45), sum)
}

func Test_Par_errors(t *testing.T) {
	err := Par(4, func(i int) error {
		if i%2 == 1 {
			return errors.New("odd")
		}
		return nil
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "par")
}
