package device

import (
	"strings"
)

// 无线串口桥的已知字符劣化替换表
// 这些替换是在实机上反复观测到的固定混淆，不是猜测：
// 冒号发出后经常以 ';' 或 '=' 到达，'H' 偶发变成 '@'
var corruptionFixes = map[byte]byte{
	';': ':',
	'=': ':',
	'@': 'H',
	'`': ' ',
	'~': '-',
}

// maxLineLength 超过该长度的行视为垃圾流
const maxLineLength = 100

// minValidRatio 修正后有效字符占比下限
const minValidRatio = 0.7

// Sanitize 清洗一行串口输入（纯函数）
// 返回修正后的行和是否接受；被拒绝的行由调用方本地记录，
// 绝不从同一条嘈杂通道回显（避免反馈环）
func Sanitize(raw []byte) (string, bool) {
	if len(raw) == 0 || len(raw) >= maxLineLength {
		return "", false
	}

	var sb strings.Builder
	for _, b := range raw {
		// 丢弃不可打印字节
		if b < 0x20 || b > 0x7E {
			continue
		}
		if fixed, ok := corruptionFixes[b]; ok {
			b = fixed
		}
		sb.WriteByte(b)
	}

	line := strings.TrimSpace(sb.String())
	if line == "" {
		return "", false
	}

	valid := 0
	for i := 0; i < len(line); i++ {
		if isValidChar(line[i]) {
			valid++
		}
	}
	if float64(valid)/float64(len(line)) < minValidRatio {
		return "", false
	}

	return line, true
}

// isValidChar 有效字符集：字母数字、空格、冒号及少量结构符号
func isValidChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == ' ' || c == ':' || c == '-' || c == '_' || c == '.':
		return true
	}
	return false
}
