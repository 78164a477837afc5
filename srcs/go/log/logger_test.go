package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ParseLevel(t *testing.T) {
	assert.Equal(t, Debug, ParseLevel("debug"))
	assert.Equal(t, Warn, ParseLevel("WARNING"))
	assert.Equal(t, Error, ParseLevel("ERROR"))
	assert.Equal(t, Info, ParseLevel("bogus"))
}

func Test_Logger_levels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(Warn)
	l.Infof("hidden %d", 1)
	l.Warnf("shown %d", 2)
	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.True(t, strings.Contains(out, "shown 2"))
	assert.True(t, strings.Contains(out, "level=WARN"))
}

func Test_Logger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(Debug)
	child := l.With("rank", 3, "scope", "local")
	child.Debugf("gathered %d replies", 2)
	out := buf.String()
	assert.True(t, strings.Contains(out, "rank=3"))
	assert.True(t, strings.Contains(out, "scope=local"))
	assert.True(t, strings.Contains(out, `msg="gathered 2 replies"`))

	var other bytes.Buffer
	l.SetOutput(&other)
	child.Errorf("after redirect")
	assert.True(t, strings.Contains(other.String(), "after redirect"))
}
