package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleTable_ImmediateFireOnCurrentMinute(t *testing.T) {
	tbl := NewScheduleTable(8)
	now := time.Date(2026, 8, 30, 8, 30, 15, 0, time.UTC)

	_, err := tbl.Add(8, 30, 2, now)
	require.NoError(t, err)

	due := tbl.Check(now)
	assert.Equal(t, []int{2}, due)
}

func TestScheduleTable_PastTimePreFiredUntilTomorrow(t *testing.T) {
	tbl := NewScheduleTable(8)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// 08:30 今天已过：补录不响铃
	_, err := tbl.Add(8, 30, 1, now)
	require.NoError(t, err)

	today := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	assert.Empty(t, tbl.Check(today))

	// 明天08:30 正常触发
	tomorrow := today.Add(24 * time.Hour)
	assert.Equal(t, []int{1}, tbl.Check(tomorrow))
}

func TestScheduleTable_OncePerCalendarDay(t *testing.T) {
	tbl := NewScheduleTable(8)
	added := time.Date(2026, 8, 30, 7, 0, 0, 0, time.UTC)
	_, err := tbl.Add(8, 30, 1, added)
	require.NoError(t, err)

	hit := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, []int{1}, tbl.Check(hit))

	// 同一分钟内反复检查不重复触发
	assert.Empty(t, tbl.Check(hit.Add(10*time.Second)))
	assert.Empty(t, tbl.Check(hit.Add(59*time.Second)))

	// 次日重新生效
	assert.Equal(t, []int{1}, tbl.Check(hit.Add(24*time.Hour)))
}

func TestScheduleTable_CapacityLimit(t *testing.T) {
	tbl := NewScheduleTable(2)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	_, err := tbl.Add(8, 0, 1, now)
	require.NoError(t, err)
	_, err = tbl.Add(12, 0, 2, now)
	require.NoError(t, err)

	_, err = tbl.Add(18, 0, 3, now)
	assert.Error(t, err)
	assert.Equal(t, 2, tbl.Count())
}

func TestScheduleTable_ClearFreesAllSlots(t *testing.T) {
	tbl := NewScheduleTable(4)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	_, err := tbl.Add(8, 0, 1, now)
	require.NoError(t, err)
	_, err = tbl.Add(12, 0, 2, now)
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Count())

	tbl.Clear()
	assert.Equal(t, 0, tbl.Count())
	assert.Empty(t, tbl.List())

	// 清空后槽位可复用
	_, err = tbl.Add(20, 0, 3, now)
	assert.NoError(t, err)
}

func TestScheduleTable_ListFormat(t *testing.T) {
	tbl := NewScheduleTable(4)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	_, err := tbl.Add(8, 5, 2, now)
	require.NoError(t, err)

	lines := tbl.List()
	require.Len(t, lines, 1)
	assert.Equal(t, "[0] 08:05 C2", lines[0])
}

func TestScheduleTable_MultipleContainersSameMinute(t *testing.T) {
	tbl := NewScheduleTable(4)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	_, err := tbl.Add(8, 30, 1, now)
	require.NoError(t, err)
	_, err = tbl.Add(8, 30, 3, now)
	require.NoError(t, err)

	due := tbl.Check(time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC))
	assert.Equal(t, []int{1, 3}, due)
}
