package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// 指令类型
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdLocate
	CmdStop
	CmdSetTime
	CmdSchedAdd
	CmdSchedClear
	CmdSchedList
	CmdAlarmTriggered
	CmdPillAlert
)

// Command 解析后的指令
type Command struct {
	Kind      CommandKind
	Container int    // C<n>
	Hour      int    // SCHED ADD / ALARM_TRIGGERED
	Minute    int
	Date      string // YYYY-MM-DD（可选）
	Timestamp int64  // SETTIME
	Raw       string
}

var (
	hhmmRe      = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	containerRe = regexp.MustCompile(`C(\d+)`)
	dateRe      = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
)

// ParseCommand 解析一行已清洗的指令
// 平坦文法：LOCATE / STOP / SETTIME <ts> / SCHED ADD <HH:MM> <c> /
// SCHED CLEAR / SCHED LIST / ALARM_TRIGGERED C<n> [date] <HH:MM> / PILLALERT C<n>
// 精确匹配不中时退回启发式识别（容忍已知劣化写法），都不中才报未知
func ParseCommand(line string) (Command, error) {
	cmd := Command{Kind: CmdUnknown, Raw: line}
	upper := strings.ToUpper(strings.TrimSpace(line))
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return cmd, fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "LOCATE":
		cmd.Kind = CmdLocate
		return cmd, nil
	case "STOP":
		cmd.Kind = CmdStop
		return cmd, nil
	case "SETTIME":
		if len(fields) < 2 {
			return cmd, fmt.Errorf("SETTIME requires timestamp")
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return cmd, fmt.Errorf("SETTIME bad timestamp %q", fields[1])
		}
		cmd.Kind = CmdSetTime
		cmd.Timestamp = ts
		return cmd, nil
	case "SCHED":
		if len(fields) < 2 {
			return cmd, fmt.Errorf("SCHED requires subcommand")
		}
		switch fields[1] {
		case "CLEAR":
			cmd.Kind = CmdSchedClear
			return cmd, nil
		case "LIST":
			cmd.Kind = CmdSchedList
			return cmd, nil
		case "ADD":
			return parseSchedAdd(upper, cmd)
		}
		return cmd, fmt.Errorf("unknown SCHED subcommand %q", fields[1])
	case "ALARM_TRIGGERED":
		return parseAlarmTriggered(upper, cmd)
	case "PILLALERT":
		return parsePillAlert(upper, cmd)
	}

	// 启发式兜底：已知劣化写法的子串识别
	return parseHeuristic(upper, cmd)
}

// parseHeuristic 劣化写法识别
// 顺序有讲究：CLEAR/LIST/ADD 先于裸 SC 前缀，STOP 最后（很多指令含 T/O/P）
func parseHeuristic(upper string, cmd Command) (Command, error) {
	switch {
	case strings.Contains(upper, "CLEAR") && containsAny(upper, "SC", "CH", "ED"):
		cmd.Kind = CmdSchedClear
		return cmd, nil
	case strings.Contains(upper, "LIST") && containsAny(upper, "SC", "CH", "ED"):
		cmd.Kind = CmdSchedList
		return cmd, nil
	case strings.Contains(upper, "ADD") && hhmmRe.MatchString(upper):
		return parseSchedAdd(upper, cmd)
	case strings.Contains(upper, "TRIGGER"):
		return parseAlarmTriggered(upper, cmd)
	case strings.Contains(upper, "PILL") && containerRe.MatchString(upper):
		return parsePillAlert(upper, cmd)
	case strings.Contains(upper, "LOCAT"):
		cmd.Kind = CmdLocate
		return cmd, nil
	case strings.Contains(upper, "SETTIME"):
		if m := regexp.MustCompile(`\d{9,}`).FindString(upper); m != "" {
			if ts, err := strconv.ParseInt(m, 10, 64); err == nil {
				cmd.Kind = CmdSetTime
				cmd.Timestamp = ts
				return cmd, nil
			}
		}
		return cmd, fmt.Errorf("SETTIME without usable timestamp")
	case strings.Contains(upper, "STOP") || strings.Contains(upper, "ST0P"):
		cmd.Kind = CmdStop
		return cmd, nil
	}

	return cmd, fmt.Errorf("unknown command %q", cmd.Raw)
}

func parseSchedAdd(upper string, cmd Command) (Command, error) {
	m := hhmmRe.FindStringSubmatch(upper)
	if m == nil {
		return cmd, fmt.Errorf("SCHED ADD requires HH:MM")
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return cmd, fmt.Errorf("SCHED ADD time out of range %s:%s", m[1], m[2])
	}

	container := 1
	if cm := containerRe.FindStringSubmatch(upper); cm != nil {
		container, _ = strconv.Atoi(cm[1])
	} else {
		// 尾部裸数字也接受（SCHED ADD 08:30 2）
		fields := strings.Fields(upper)
		if n, err := strconv.Atoi(fields[len(fields)-1]); err == nil && n >= 1 && n <= 3 {
			container = n
		}
	}

	cmd.Kind = CmdSchedAdd
	cmd.Hour = hour
	cmd.Minute = minute
	cmd.Container = container
	return cmd, nil
}

func parseAlarmTriggered(upper string, cmd Command) (Command, error) {
	// 取最后一个 HH:MM（日期里不含冒号，不会误取）
	matches := hhmmRe.FindAllStringSubmatch(upper, -1)
	if matches == nil {
		return cmd, fmt.Errorf("ALARM_TRIGGERED requires HH:MM")
	}
	last := matches[len(matches)-1]
	hour, _ := strconv.Atoi(last[1])
	minute, _ := strconv.Atoi(last[2])

	container := 1
	if cm := containerRe.FindStringSubmatch(upper); cm != nil {
		container, _ = strconv.Atoi(cm[1])
	}

	cmd.Kind = CmdAlarmTriggered
	cmd.Container = container
	cmd.Hour = hour
	cmd.Minute = minute
	if dm := dateRe.FindStringSubmatch(upper); dm != nil {
		cmd.Date = dm[1]
	}
	return cmd, nil
}

func parsePillAlert(upper string, cmd Command) (Command, error) {
	container := 1
	if cm := containerRe.FindStringSubmatch(upper); cm != nil {
		container, _ = strconv.Atoi(cm[1])
	}
	cmd.Kind = CmdPillAlert
	cmd.Container = container
	return cmd, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
