package models

// ClassCount 单类药片的检出数量
type ClassCount struct {
	Label string `json:"label"`
	N     int    `json:"n"`
}

// VerifyResponse 验药服务 /verify 的响应
type VerifyResponse struct {
	Pass            bool         `json:"pass_"`
	Count           int          `json:"count"`
	ClassesDetected []ClassCount `json:"classesDetected"`
	Confidence      float64      `json:"confidence"`
}

// VerificationResult 每个容器保留最近一次验证结果（覆盖写）
type VerificationResult struct {
	ContainerID     int          `json:"container_id"`
	Pass            bool         `json:"pass"`
	DetectedCount   int          `json:"detected_count"`
	DetectedClasses []ClassCount `json:"detected_classes"`
	Confidence      float64      `json:"confidence"`
	AnnotatedImage  string       `json:"annotated_image,omitempty"` // 标注图引用
	Expected        PillConfig   `json:"expected"`
	Timestamp       int64        `json:"timestamp"`
}

// NotificationRecord 通知记录（发布失败、不匹配告警等）
type NotificationRecord struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // mismatch / publish_failed / reminder
	Container int    `json:"container"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
