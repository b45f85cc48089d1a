package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

// ScheduleCloudRepository 云端药盒日程仓库
type ScheduleCloudRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewScheduleCloudRepository 创建云端日程仓库
func NewScheduleCloudRepository(db *sql.DB, logger *zap.Logger) *ScheduleCloudRepository {
	return &ScheduleCloudRepository{
		db:     db,
		logger: logger,
	}
}

// GetScheduleRows 拉取某位老人的全部日程原始记录
// container 字段不在SQL层归一化，交给 store.NormalizeContainerID 统一处理
func (r *ScheduleCloudRepository) GetScheduleRows(ctx context.Context, elderID string) ([]models.CloudScheduleRow, error) {
	query := `
		SELECT
			id,
			container,
			dose_date,
			dose_time,
			status,
			elder_id
		FROM medication_schedules
		WHERE elder_id = $1
		ORDER BY dose_date, dose_time
	`

	rows, err := r.db.QueryContext(ctx, query, elderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.CloudScheduleRow
	for rows.Next() {
		var row models.CloudScheduleRow
		var date, status sql.NullString
		if err := rows.Scan(&row.ID, &row.Container, &date, &row.Time, &status, &row.ElderID); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		row.Date = date.String
		row.Status = status.String
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedule rows: %w", err)
	}

	return out, nil
}

// GetPillLabel 查询容器当前药名与药量
func (r *ScheduleCloudRepository) GetPillLabel(ctx context.Context, containerID int) (string, int, error) {
	query := `
		SELECT pill_label, pill_count
		FROM container_pills
		WHERE container_id = $1
	`

	var label sql.NullString
	var count sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, containerID).Scan(&label, &count)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", 0, fmt.Errorf("pill config not found for container %d", containerID)
		}
		return "", 0, fmt.Errorf("failed to query pill config: %w", err)
	}

	return label.String, int(count.Int64), nil
}

// UpdateStatusByID 按记录ID更新服药状态（手机端同步的首选路径）
func (r *ScheduleCloudRepository) UpdateStatusByID(ctx context.Context, recordID, status string) error {
	query := `
		UPDATE medication_schedules
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.ExecContext(ctx, query, status, recordID)
	if err != nil {
		return fmt.Errorf("failed to update schedule status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("schedule record not found: %s", recordID)
	}

	return nil
}

// FindAndUpdateStatus 按 容器+时间(+日期) 检索并更新状态
// 用于手机端仅从设备触发事件重建状态、手里没有记录ID的场景
func (r *ScheduleCloudRepository) FindAndUpdateStatus(ctx context.Context, containerID int, doseTime, doseDate, status string) (string, error) {
	query := `
		UPDATE medication_schedules
		SET status = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM medication_schedules
			WHERE container = $2
			  AND dose_time = $3
			  AND ($4 = '' OR dose_date = $4)
			  AND status NOT IN ('done', 'taken')
			ORDER BY dose_date DESC
			LIMIT 1
		)
		RETURNING id
	`

	var id string
	err := r.db.QueryRowContext(ctx, query, status, fmt.Sprintf("container%d", containerID), doseTime, doseDate).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("no matching schedule for container %d at %s", containerID, doseTime)
		}
		return "", fmt.Errorf("failed to update schedule by search: %w", err)
	}

	return id, nil
}
