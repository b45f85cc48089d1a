package store

import (
	"strconv"
	"strings"
)

// NormalizeContainerID 归一化容器标识
// 历史数据中容器字段存在三代写法：
//   - 数字："1" / "2" / "3"
//   - 前缀串："container1" / "Container 2"
//   - 旧版时段名："morning" / "noon" / "evening" → 1 / 2 / 3
// 无法识别的一律归到容器1，避免丢日程
func NormalizeContainerID(raw string) int {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 1
	}

	// 纯数字
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= 3 {
			return n
		}
		return 1
	}

	// 旧版时段名
	switch s {
	case "morning":
		return 1
	case "noon", "afternoon":
		return 2
	case "evening", "night":
		return 3
	}

	// "containerN" 及其变体：取末尾数字
	digits := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits += string(r)
		}
	}
	if digits != "" {
		if n, err := strconv.Atoi(digits); err == nil && n >= 1 && n <= 3 {
			return n
		}
	}

	return 1
}
