package device

import (
	"bufio"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// StreamPort 把字节流适配成非阻塞行端口
// 后台goroutine扫行入通道；ReadLine 永不阻塞，符合协作式循环的要求
type StreamPort struct {
	lines  chan []byte
	writer io.Writer
	logger *zap.Logger
}

// NewStreamPort 创建流端口并启动读取goroutine
func NewStreamPort(r io.Reader, w io.Writer, logger *zap.Logger) *StreamPort {
	p := &StreamPort{
		lines:  make(chan []byte, 16),
		writer: w,
		logger: logger,
	}

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case p.lines <- line:
			default:
				// 通道满说明消费端卡住了，丢最新的一行并记录
				p.logger.Warn("Line buffer full, dropping input")
			}
		}
		close(p.lines)
	}()

	return p
}

// ReadLine 取一行，没有整行时立即返回 ok=false
func (p *StreamPort) ReadLine() ([]byte, bool) {
	select {
	case line, ok := <-p.lines:
		if !ok {
			return nil, false
		}
		return line, true
	default:
		return nil, false
	}
}

// WriteLine 写一行（补换行）
func (p *StreamPort) WriteLine(line string) error {
	if _, err := fmt.Fprintln(p.writer, line); err != nil {
		return fmt.Errorf("port write failed: %w", err)
	}
	return nil
}
