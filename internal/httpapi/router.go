package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterRelayRoutes 注册中继全部路由
func (r *Router) RegisterRelayRoutes(h *Handler) {
	// schedule/{container}
	r.Handle("/schedule/", func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/schedule/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		containerID, err := parseContainerID(id)
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		switch req.Method {
		case http.MethodPost:
			h.SetSchedule(w, req, containerID)
		case http.MethodGet:
			h.GetSchedule(w, req, containerID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	r.Handle("/schedules", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetSchedules(w, req)
	})

	// capture/{container}
	r.Handle("/capture/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		containerID, err := parseContainerID(strings.TrimPrefix(req.URL.Path, "/capture/"))
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		h.TriggerCapture(w, req, containerID)
	})

	// ingest/{container}
	r.Handle("/ingest/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		containerID, err := parseContainerID(strings.TrimPrefix(req.URL.Path, "/ingest/"))
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		h.Ingest(w, req, containerID)
	})

	// verification/{container}
	r.Handle("/verification/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		containerID, err := parseContainerID(strings.TrimPrefix(req.URL.Path, "/verification/"))
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		h.GetVerification(w, req, containerID)
	})

	r.Handle("/notifications", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetNotifications(w, req)
	})

	r.Handle("/sync", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.SyncFromCloud(w, req)
	})

	// alarm/stopped/{container}
	r.Handle("/alarm/stopped/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		containerID, err := parseContainerID(strings.TrimPrefix(req.URL.Path, "/alarm/stopped/"))
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		h.AlarmStopped(w, req, containerID)
	})

	r.Handle("/status/taken", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.StatusTaken(w, req)
	})

	r.Handle("/network", h.Network)
	r.Handle("/health", h.Health)
	r.Handle("/metrics", h.MetricsHandler)
}
