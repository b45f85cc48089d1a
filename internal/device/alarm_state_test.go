package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeActuator struct {
	buzzer        bool
	buzzerWrites  int
	indicators    map[int]bool
	indicatorSets int
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{indicators: make(map[int]bool)}
}

func (f *fakeActuator) SetBuzzer(on bool) {
	f.buzzer = on
	f.buzzerWrites++
}

func (f *fakeActuator) SetIndicator(container int, on bool) {
	f.indicators[container] = on
	f.indicatorSets++
}

func newTestMachine(act Actuator, onStop func(StopEvent)) *AlarmStateMachine {
	return NewAlarmStateMachine(act, 60*time.Second, 400*time.Millisecond, 500*time.Millisecond, onStop, zap.NewNop())
}

func TestStateMachine_StartAlarmTurnsBuzzerOn(t *testing.T) {
	act := newFakeActuator()
	m := newTestMachine(act, nil)
	now := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	assert.Equal(t, StateIdle, m.State())
	m.StartAlarm(2, now)
	assert.Equal(t, StateAlarming, m.State())
	assert.Equal(t, 2, m.Container())
	assert.True(t, act.buzzer)
}

func TestStateMachine_AlarmCeilingAutoStops(t *testing.T) {
	act := newFakeActuator()
	var stops []StopEvent
	m := newTestMachine(act, func(ev StopEvent) { stops = append(stops, ev) })

	start := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	m.StartAlarm(1, start)

	m.Service(start.Add(59 * time.Second))
	assert.Equal(t, StateAlarming, m.State())
	assert.Empty(t, stops)

	m.Service(start.Add(60 * time.Second))
	assert.Equal(t, StateIdle, m.State())
	require.Len(t, stops, 1)
	assert.Equal(t, StopEvent{Container: 1, Auto: true}, stops[0])
	assert.False(t, act.buzzer)
}

func TestStateMachine_ManualStopReportsContainer(t *testing.T) {
	act := newFakeActuator()
	var stops []StopEvent
	m := newTestMachine(act, func(ev StopEvent) { stops = append(stops, ev) })

	now := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	m.StartAlarm(3, now)
	m.Stop()

	require.Len(t, stops, 1)
	assert.Equal(t, StopEvent{Container: 3, Auto: false}, stops[0])
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, act.indicators[3])
}

func TestStateMachine_BuzzerToggleIntervals(t *testing.T) {
	act := newFakeActuator()
	m := newTestMachine(act, nil)
	start := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	m.StartAlarm(1, start)
	assert.True(t, act.buzzer)

	// 报警态 400ms 翻转
	m.Service(start.Add(200 * time.Millisecond))
	assert.True(t, act.buzzer)
	m.Service(start.Add(400 * time.Millisecond))
	assert.False(t, act.buzzer)
	m.Service(start.Add(800 * time.Millisecond))
	assert.True(t, act.buzzer)
}

func TestStateMachine_LocateTogglesSlower(t *testing.T) {
	act := newFakeActuator()
	m := newTestMachine(act, nil)
	start := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	m.StartLocate(start)
	assert.True(t, act.buzzer)

	// 寻盒态 500ms 翻转
	m.Service(start.Add(400 * time.Millisecond))
	assert.True(t, act.buzzer)
	m.Service(start.Add(500 * time.Millisecond))
	assert.False(t, act.buzzer)
}

func TestStateMachine_AlarmPreemptsLocate(t *testing.T) {
	act := newFakeActuator()
	m := newTestMachine(act, nil)
	now := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	m.StartLocate(now)
	m.StartAlarm(2, now.Add(time.Second))
	assert.Equal(t, StateAlarming, m.State())
	assert.Equal(t, 2, m.Container())
}

func TestStateMachine_LocateStopsActiveAlarm(t *testing.T) {
	act := newFakeActuator()
	var stops []StopEvent
	m := newTestMachine(act, func(ev StopEvent) { stops = append(stops, ev) })

	now := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	m.StartAlarm(1, now)
	m.StartLocate(now.Add(time.Second))

	require.Len(t, stops, 1)
	assert.Equal(t, 1, stops[0].Container)
	assert.Equal(t, StateLocating, m.State())
}

func TestStateMachine_LocatePreemptionClearsIndicator(t *testing.T) {
	act := newFakeActuator()
	var stops []StopEvent
	m := newTestMachine(act, func(ev StopEvent) { stops = append(stops, ev) })

	now := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	m.StartAlarm(2, now)
	m.Service(now.Add(100 * time.Millisecond))
	require.True(t, act.indicators[2])

	// 寻盒抢占：容器2的指示灯必须随停止事件一起熄灭
	m.StartLocate(now.Add(time.Second))
	require.Len(t, stops, 1)
	assert.False(t, act.indicators[2])

	m.Stop()
	assert.False(t, act.indicators[2])
}

func TestStateMachine_ContainerSwitchClearsOldIndicator(t *testing.T) {
	act := newFakeActuator()
	m := newTestMachine(act, nil)
	now := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	m.StartAlarm(1, now)
	m.Service(now.Add(100 * time.Millisecond))
	require.True(t, act.indicators[1])

	m.StartAlarm(3, now.Add(time.Second))
	assert.False(t, act.indicators[1])
	m.Service(now.Add(1100 * time.Millisecond))
	assert.True(t, act.indicators[3])
}

func TestStateMachine_RepeatTriggerRefreshesCeiling(t *testing.T) {
	act := newFakeActuator()
	var stops []StopEvent
	m := newTestMachine(act, func(ev StopEvent) { stops = append(stops, ev) })

	start := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	m.StartAlarm(1, start)
	// 50秒处重复触发同容器：起点刷新
	m.StartAlarm(1, start.Add(50*time.Second))

	m.Service(start.Add(70 * time.Second))
	assert.Equal(t, StateAlarming, m.State())
	assert.Empty(t, stops)

	m.Service(start.Add(110 * time.Second))
	assert.Equal(t, StateIdle, m.State())
	require.Len(t, stops, 1)
	assert.True(t, stops[0].Auto)
}

func TestStateMachine_IndicatorReassertedEveryPass(t *testing.T) {
	act := newFakeActuator()
	m := newTestMachine(act, nil)
	start := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	m.StartAlarm(2, start)

	m.Service(start.Add(100 * time.Millisecond))
	assert.True(t, act.indicators[2])

	// 指示灯被外部覆盖后，下一轮恢复
	act.indicators[2] = false
	m.Service(start.Add(200 * time.Millisecond))
	assert.True(t, act.indicators[2])
}

func TestStateMachine_StopWhileIdleIsNoop(t *testing.T) {
	act := newFakeActuator()
	called := false
	m := newTestMachine(act, func(StopEvent) { called = true })

	m.Stop()
	assert.False(t, called)
	assert.Equal(t, 0, act.buzzerWrites)
}
