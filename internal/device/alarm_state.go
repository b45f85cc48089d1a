package device

import (
	"time"

	"go.uber.org/zap"
)

// 报警状态
type AlarmState int

const (
	StateIdle AlarmState = iota
	StateAlarming
	StateLocating
)

func (s AlarmState) String() string {
	switch s {
	case StateAlarming:
		return "alarming"
	case StateLocating:
		return "locating"
	default:
		return "idle"
	}
}

// Actuator 执行器输出（蜂鸣器 + 各容器指示灯）
type Actuator interface {
	SetBuzzer(on bool)
	SetIndicator(container int, on bool)
}

// StopEvent 停止事件
// 必须带容器号：停止后的补拍需要正确的容器上下文
type StopEvent struct {
	Container int
	Auto      bool // true=到达60秒上限自动停止
}

// AlarmStateMachine 报警/寻盒状态机
// Alarming 优先级高于 Locating；Alarming 硬性60秒上限
type AlarmStateMachine struct {
	actuator Actuator
	logger   *zap.Logger

	alarmCeiling   time.Duration
	alarmInterval  time.Duration
	locateInterval time.Duration

	state      AlarmState
	container  int
	startedAt  time.Time
	lastToggle time.Time
	buzzerOn   bool

	onStop func(ev StopEvent)
}

// NewAlarmStateMachine 创建状态机
func NewAlarmStateMachine(actuator Actuator, alarmCeiling, alarmInterval, locateInterval time.Duration, onStop func(ev StopEvent), logger *zap.Logger) *AlarmStateMachine {
	return &AlarmStateMachine{
		actuator:       actuator,
		logger:         logger,
		alarmCeiling:   alarmCeiling,
		alarmInterval:  alarmInterval,
		locateInterval: locateInterval,
		state:          StateIdle,
		onStop:         onStop,
	}
}

// State 当前状态
func (m *AlarmStateMachine) State() AlarmState {
	return m.state
}

// Container 当前报警容器（仅 Alarming 有意义）
func (m *AlarmStateMachine) Container() int {
	return m.container
}

// StartAlarm 进入报警态（正在寻盒则取消寻盒）
func (m *AlarmStateMachine) StartAlarm(container int, now time.Time) {
	if m.state == StateAlarming && m.container == container {
		// 重复触发：刷新起点即可
		m.startedAt = now
		return
	}

	// 换容器报警：先熄灭旧容器指示灯
	if m.state == StateAlarming && m.container > 0 {
		m.actuator.SetIndicator(m.container, false)
	}

	m.state = StateAlarming
	m.container = container
	m.startedAt = now
	m.lastToggle = now
	m.buzzerOn = true
	m.actuator.SetBuzzer(true)

	m.logger.Info("Alarm started", zap.Int("container", container))
}

// StartLocate 进入寻盒态（正在报警则先停止报警并上报停止事件）
func (m *AlarmStateMachine) StartLocate(now time.Time) {
	if m.state == StateAlarming {
		m.emitStop(false)
		if m.container > 0 {
			m.actuator.SetIndicator(m.container, false)
		}
	}

	m.state = StateLocating
	m.container = 0
	m.startedAt = now
	m.lastToggle = now
	m.buzzerOn = true
	m.actuator.SetBuzzer(true)

	m.logger.Info("Locate started")
}

// Stop 回到空闲态
func (m *AlarmStateMachine) Stop() {
	if m.state == StateIdle {
		return
	}

	if m.state == StateAlarming {
		m.emitStop(false)
	}

	m.toIdle()
	m.logger.Info("Alarm/locate stopped")
}

// Service 控制循环每轮调用一次
// 到点自动停、按各自间隔翻转蜂鸣、每轮重新断言指示灯
// （指示灯可能被无关写操作覆盖，只在状态切换时写一次会丢）
func (m *AlarmStateMachine) Service(now time.Time) {
	if m.state == StateIdle {
		return
	}

	// 报警60秒硬上限，不依赖外部STOP
	if m.state == StateAlarming && now.Sub(m.startedAt) >= m.alarmCeiling {
		m.emitStop(true)
		m.toIdle()
		m.logger.Info("Alarm auto-stopped at ceiling")
		return
	}

	interval := m.alarmInterval
	if m.state == StateLocating {
		interval = m.locateInterval
	}

	if now.Sub(m.lastToggle) >= interval {
		m.buzzerOn = !m.buzzerOn
		m.actuator.SetBuzzer(m.buzzerOn)
		m.lastToggle = now
	}

	// 每轮重新断言指示灯
	if m.state == StateAlarming {
		m.actuator.SetIndicator(m.container, true)
	}
}

func (m *AlarmStateMachine) emitStop(auto bool) {
	if m.onStop != nil && m.container > 0 {
		m.onStop(StopEvent{Container: m.container, Auto: auto})
	}
}

func (m *AlarmStateMachine) toIdle() {
	if m.state == StateAlarming && m.container > 0 {
		m.actuator.SetIndicator(m.container, false)
	}
	m.state = StateIdle
	m.container = 0
	m.buzzerOn = false
	m.actuator.SetBuzzer(false)
}
