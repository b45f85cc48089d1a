package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pillnow-relay/internal/models"
	"pillnow-relay/internal/store"
)

// maxImageBytes 上传图像大小上限（10MB）
const maxImageBytes = 10 << 20

// Ingester 图像验证入口（Pipeline实现）
type Ingester interface {
	Ingest(ctx context.Context, containerID int, image []byte, expected models.PillConfig) (*models.VerificationResult, error)
}

// Publisher 指令发布接口
type Publisher interface {
	Publish(deviceID string, cmd *models.DeviceCommand) bool
}

// StatusUpdater 云端服药状态更新（ScheduleCloudRepository实现）
type StatusUpdater interface {
	UpdateStatusByID(ctx context.Context, recordID, status string) error
	FindAndUpdateStatus(ctx context.Context, containerID int, doseTime, doseDate, status string) (string, error)
}

// ResultReader 验证结果与通知读取（ResultCache实现）
type ResultReader interface {
	GetVerificationResult(ctx context.Context, containerID int) (*models.VerificationResult, error)
	GetNotifications(ctx context.Context) ([]models.NotificationRecord, error)
}

// Metrics 简单计数器（/metrics 输出）
type Metrics struct {
	StartedAt       time.Time
	IngestTotal     atomic.Int64
	IngestFailed    atomic.Int64
	CaptureRequests atomic.Int64
	AlarmStops      atomic.Int64
}

// Handler 中继 HTTP 处理器集合
type Handler struct {
	store   *store.ScheduleStore
	bus     Publisher
	ingest  Ingester
	status  StatusUpdater
	results ResultReader
	logger  *zap.Logger
	metrics *Metrics

	elderID string
	syncFn  func(ctx context.Context, elderID string) error
}

// NewHandler 创建处理器集合
func NewHandler(
	scheduleStore *store.ScheduleStore,
	bus Publisher,
	ingest Ingester,
	status StatusUpdater,
	results ResultReader,
	elderID string,
	syncFn func(ctx context.Context, elderID string) error,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:   scheduleStore,
		bus:     bus,
		ingest:  ingest,
		status:  status,
		results: results,
		logger:  logger,
		metrics: &Metrics{StartedAt: time.Now()},
		elderID: elderID,
		syncFn:  syncFn,
	}
}

// setScheduleRequest POST /schedule/{container} 请求体
type setScheduleRequest struct {
	Pill         *models.PillConfig `json:"pill,omitempty"`
	Schedules    []models.DoseTime  `json:"schedules,omitempty"`
	NotifyTarget string             `json:"notify_target,omitempty"`
	Replace      bool               `json:"replace,omitempty"`
}

// SetSchedule 设置/合并容器日程
func (h *Handler) SetSchedule(w http.ResponseWriter, r *http.Request, containerID int) {
	var req setScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	updated, err := h.store.SetSchedule(containerID, store.SetRequest{
		Pill:         req.Pill,
		Schedules:    req.Schedules,
		NotifyTarget: req.NotifyTarget,
		Replace:      req.Replace,
	})
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	WriteJSON(w, http.StatusOK, Ok(updated))
}

// GetSchedule 读取单个容器日程
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request, containerID int) {
	c, ok := h.store.Get(containerID)
	if !ok {
		WriteJSON(w, http.StatusNotFound, Fail(fmt.Sprintf("container %d not configured", containerID)))
		return
	}
	WriteJSON(w, http.StatusOK, Ok(c))
}

// GetSchedules 读取全部容器日程
func (h *Handler) GetSchedules(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, Ok(h.store.All()))
}

// TriggerCapture 手动触发拍摄（与调度器预拍摄共享抖动抑制）
func (h *Handler) TriggerCapture(w http.ResponseWriter, r *http.Request, containerID int) {
	h.metrics.CaptureRequests.Add(1)

	deviceID := fmt.Sprintf("container%d", containerID)
	cmd := &models.DeviceCommand{
		Action:    models.ActionCapture,
		Container: deviceID,
	}
	if !h.bus.Publish(deviceID, cmd) {
		WriteJSON(w, http.StatusServiceUnavailable, Fail("device channel disconnected, retry later"))
		return
	}

	WriteJSON(w, http.StatusOK, Ok(map[string]string{"status": "requested"}))
}

// Ingest 接收拍摄图像并验证（multipart: image + expected JSON）
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request, containerID int) {
	h.metrics.IngestTotal.Add(1)

	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		WriteJSON(w, http.StatusBadRequest, Fail("invalid multipart form"))
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, Fail("image file is required"))
		return
	}
	defer file.Close()

	// 多读1字节判断超限，超大图像直接拒绝而不是截断后送验
	image, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, Fail("failed to read image"))
		return
	}
	if len(image) > maxImageBytes {
		WriteJSON(w, http.StatusBadRequest, Fail("image exceeds size limit"))
		return
	}

	var expected models.PillConfig
	if raw := r.FormValue("expected"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &expected); err != nil {
			WriteJSON(w, http.StatusBadRequest, Fail("expected must be JSON"))
			return
		}
	} else if c, ok := h.store.Get(containerID); ok {
		expected = c.Pill
	}

	result, err := h.ingest.Ingest(r.Context(), containerID, image, expected)
	if err != nil {
		h.metrics.IngestFailed.Add(1)
		// 验药服务不可达是独立类别，不折算成失败
		WriteJSON(w, http.StatusBadGateway, Fail("verifier unreachable"))
		return
	}

	WriteJSON(w, http.StatusOK, Ok(result))
}

// GetVerification 读取容器最近一次验证结果
func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request, containerID int) {
	result, err := h.results.GetVerificationResult(r.Context(), containerID)
	if err != nil {
		WriteJSON(w, http.StatusNotFound, Fail(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, Ok(result))
}

// GetNotifications 读取通知记录
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	records, err := h.results.GetNotifications(r.Context())
	if err != nil {
		WriteJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, Ok(records))
}

// SyncFromCloud 从云端全量重建日程
func (h *Handler) SyncFromCloud(w http.ResponseWriter, r *http.Request) {
	if err := h.syncFn(r.Context(), h.elderID); err != nil {
		WriteJSON(w, http.StatusBadGateway, Fail(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, Ok(h.store.All()))
}

// AlarmStopped 设备停止报警的回调：延迟后请求停止补拍
func (h *Handler) AlarmStopped(w http.ResponseWriter, r *http.Request, containerID int) {
	h.metrics.AlarmStops.Add(1)

	deviceID := fmt.Sprintf("container%d", containerID)
	h.logger.Info("Alarm stopped, scheduling post-stop capture",
		zap.Int("container", containerID),
	)

	// 等用户把手从药盒挪开再拍
	time.AfterFunc(2*time.Second, func() {
		cmd := &models.DeviceCommand{
			Action:    models.ActionCapture,
			Container: deviceID,
		}
		if !h.bus.Publish(deviceID, cmd) {
			h.logger.Warn("Post-stop capture publish failed",
				zap.String("device", deviceID),
			)
		}
	})

	WriteJSON(w, http.StatusOK, Ok(map[string]string{"status": "capture_scheduled"}))
}

// takenRequest POST /status/taken 请求体
type takenRequest struct {
	RecordID  string `json:"record_id,omitempty"`
	Container int    `json:"container,omitempty"`
	Time      string `json:"time,omitempty"`
	Date      string `json:"date,omitempty"`
	Status    string `json:"status"`
}

// StatusTaken 手机端服药状态同步入口
// 带记录ID走直更；否则按 容器+时间 检索匹配
func (h *Handler) StatusTaken(w http.ResponseWriter, r *http.Request) {
	var req takenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.Status == "" {
		req.Status = "taken"
	}

	if req.RecordID != "" {
		if err := h.status.UpdateStatusByID(r.Context(), req.RecordID, req.Status); err != nil {
			WriteJSON(w, http.StatusBadGateway, Fail(err.Error()))
			return
		}
		WriteJSON(w, http.StatusOK, Ok(map[string]string{"record_id": req.RecordID}))
		return
	}

	if req.Container < 1 || req.Time == "" {
		WriteJSON(w, http.StatusBadRequest, Fail("record_id or container+time is required"))
		return
	}

	matchedID, err := h.status.FindAndUpdateStatus(r.Context(), req.Container, req.Time, req.Date, req.Status)
	if err != nil {
		WriteJSON(w, http.StatusBadGateway, Fail(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, Ok(map[string]string{"record_id": matchedID}))
}

// Network 返回中继当前局域网地址（设备/App引导发现用）
func (h *Handler) Network(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, Ok(map[string]string{"address": localAddress()}))
}

// Health 健康检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MetricsHandler 运行计数
func (h *Handler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, Ok(map[string]interface{}{
		"uptime_seconds":   int(time.Since(h.metrics.StartedAt).Seconds()),
		"ingest_total":     h.metrics.IngestTotal.Load(),
		"ingest_failed":    h.metrics.IngestFailed.Load(),
		"capture_requests": h.metrics.CaptureRequests.Load(),
		"alarm_stops":      h.metrics.AlarmStops.Load(),
	}))
}

// localAddress 取一个局域网IPv4地址
func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// parseContainerID 从路径段解析容器号（"2" 或 "container2" 都接受）
func parseContainerID(segment string) (int, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return 0, fmt.Errorf("container id is required")
	}
	if n, err := strconv.Atoi(segment); err == nil {
		if n >= 1 && n <= 3 {
			return n, nil
		}
		return 0, fmt.Errorf("container id out of range: %d", n)
	}
	n := store.NormalizeContainerID(segment)
	return n, nil
}
