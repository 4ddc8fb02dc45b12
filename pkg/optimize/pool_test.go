package optimize

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool_GetIsReset(t *testing.T) {
	pool := NewBufferPool(64, 1024)

	buf := pool.Get()
	buf.WriteString("stale frame")
	pool.Put(buf)

	again := pool.Get()
	assert.Equal(t, 0, again.Len())
}

func TestBufferPool_DropsOversized(t *testing.T) {
	pool := NewBufferPool(8, 16)
	big := bytes.NewBuffer(make([]byte, 0, 4096))
	pool.Put(big)
	pool.Put(nil)

	assert.LessOrEqual(t, pool.Get().Cap(), 4096)
}

func TestDetach(t *testing.T) {
	buf := bytes.NewBufferString("frame")
	out := Detach(buf)
	buf.Reset()
	buf.WriteString("XXXXX")
	assert.Equal(t, []byte("frame"), out)
}
