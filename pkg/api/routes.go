package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/wasm-watchdog/pkg/metrics"
	"github.com/cuemby/wasm-watchdog/pkg/pool"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

// maxScaleBody bounds a /_/scale request body
const maxScaleBody = 1 << 16

// ReadyResponse is the /_/ready document
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler answers OK while the watchdog accepts connections
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.lock == nil || !s.lock.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("OK"))
}

// readyHandler reports ready once the lock is held and the critical
// components are healthy
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	readiness := metrics.GetReadiness()
	resp := ReadyResponse{
		Status:    readiness.Status,
		Timestamp: time.Now(),
		Checks:    readiness.Components,
		Message:   readiness.Message,
	}
	if resp.Checks == nil {
		resp.Checks = make(map[string]string)
	}

	if s.lock != nil && s.lock.Healthy() {
		resp.Checks["lock"] = "ok"
	} else {
		resp.Checks["lock"] = "not accepting connections"
		resp.Status = "not_ready"
		if resp.Message == "" {
			resp.Message = "watchdog is not accepting connections"
		}
	}

	stats := s.scaler.Status()
	if stats.Replicas == 0 && stats.Available == 0 {
		resp.Checks["pool"] = "no capacity"
		resp.Status = "not_ready"
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// scaleHandler reports the replica status on GET and moves the warm floor
// on POST
func (s *Server) scaleHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.functionStatus())

	case http.MethodPost:
		var req types.ScaleRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScaleBody))
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid scale request: "+err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.scaler.SetReplicas(int(req.Replicas)); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, pool.ErrInvalidReplicas) {
				code = http.StatusBadRequest
			} else if errors.Is(err, pool.ErrPoolClosed) {
				code = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), code)
			return
		}
		s.logger.Info().Uint64("replicas", req.Replicas).Msg("Scale request accepted")
		writeJSON(w, http.StatusOK, s.functionStatus())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) functionStatus() *types.FunctionStatus {
	stats := s.scaler.Status()
	return &types.FunctionStatus{
		Name:              s.cfg.FunctionName,
		Image:             s.cfg.FunctionName,
		Namespace:         s.cfg.Namespace,
		EnvProcess:        s.cfg.FunctionProcess,
		InvocationCount:   stats.Invocations,
		Replicas:          uint64(stats.Replicas),
		AvailableReplicas: uint64(stats.Available),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
