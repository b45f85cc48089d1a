package device

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStreamPort_ReadLineNonBlocking(t *testing.T) {
	var out bytes.Buffer
	p := NewStreamPort(strings.NewReader("LOCATE\nSTOP\n"), &out, zap.NewNop())

	var lines []string
	require.Eventually(t, func() bool {
		if line, ok := p.ReadLine(); ok {
			lines = append(lines, string(line))
		}
		return len(lines) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"LOCATE", "STOP"}, lines)

	// 流耗尽后立即返回，不阻塞
	_, ok := p.ReadLine()
	assert.False(t, ok)
}

func TestStreamPort_WriteLineAppendsNewline(t *testing.T) {
	var out bytes.Buffer
	p := NewStreamPort(strings.NewReader(""), &out, zap.NewNop())

	require.NoError(t, p.WriteLine("SCHED OK 0"))
	assert.Equal(t, "SCHED OK 0\n", out.String())
}
