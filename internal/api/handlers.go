package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/backend"
	"github.com/lvonguyen/medguard/internal/mitre"
	"github.com/lvonguyen/medguard/internal/playbooks"
	"github.com/lvonguyen/medguard/internal/telemetry"
	"github.com/lvonguyen/medguard/internal/telemetry/aggregation"
	"github.com/lvonguyen/medguard/internal/telemetry/correlation"
	"github.com/lvonguyen/medguard/internal/workflow"
)

const maxBodySize = 1 << 20

// Error kinds reported to the operator.
const (
	KindUsage        = "usage"
	KindBusy         = "busy"
	KindService      = "service"
	KindUnauthorized = "unauthorized"
	KindInvalid      = "invalid_request"
)

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Action string `json:"action,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	err := s.deps.Backend.HealthCheck(r.Context())
	if s.health != nil {
		s.health.SetHealth("backend", err == nil)
	}
	if err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Session handlers

type sessionRequest struct {
	Token string `json:"token" validate:"required"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Info())
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, err.Error())
		return
	}
	if err := s.deps.Session.Init(req.Token); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, err.Error())
		return
	}

	info := s.deps.Session.Info()
	s.logger.Info("Session started", zap.String("user_id", info.UserID))
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// Telemetry handlers

type classifiedEvent struct {
	telemetry.SecurityEvent
	Classification telemetry.Classification `json:"classification"`
	Techniques     []mitre.Mapping          `json:"techniques,omitempty"`
	Playbook       string                   `json:"playbook,omitempty"`
}

type telemetryResponse struct {
	Total             int                            `json:"total"`
	AttackCount       int                            `json:"attack_count"`
	NormalCount       int                            `json:"normal_count"`
	AttackRatePercent float64                        `json:"attack_rate_percent"`
	MeanAnomalyScore  float64                        `json:"mean_anomaly_score"`
	ByKind            map[string]telemetry.KindStats `json:"by_kind"`
	RecentCount       int                            `json:"recent_count"`
	RecentAttacks     int                            `json:"recent_attacks"`
	RefreshedAt       *time.Time                     `json:"refreshed_at,omitempty"`
	Events            []classifiedEvent              `json:"events"`
	Chains            []correlation.EventChain       `json:"chains"`
	Status            aggregation.Status             `json:"status"`
	Notices           []aggregation.Notice           `json:"notices"`
}

func (s *Server) telemetryView(snap *telemetry.Snapshot) telemetryResponse {
	resp := telemetryResponse{
		Total:             snap.Total,
		AttackCount:       snap.AttackCount,
		NormalCount:       snap.NormalCount,
		AttackRatePercent: snap.AttackRatePercent(),
		MeanAnomalyScore:  snap.MeanAnomalyScore,
		ByKind:            snap.ByKind,
		RecentCount:       snap.RecentCount,
		RecentAttacks:     snap.RecentAttacks,
		Events:            make([]classifiedEvent, 0, len(snap.Events)),
		Status:            s.deps.Telemetry.Status(),
		Notices:           s.deps.Telemetry.Notices(),
	}
	if !snap.RefreshedAt.IsZero() {
		at := snap.RefreshedAt
		resp.RefreshedAt = &at
	}
	for _, e := range snap.Events {
		ce := classifiedEvent{
			SecurityEvent:  e,
			Classification: s.deps.Classifier.Classify(e),
		}
		if s.deps.Techniques != nil {
			ce.Techniques = s.deps.Techniques.MapEvent(e)
		}
		if s.deps.Playbooks != nil {
			if pb, ok := s.deps.Playbooks.ForEvent(e); ok {
				ce.Playbook = pb.ID
			}
		}
		resp.Events = append(resp.Events, ce)
	}
	if s.deps.Chains != nil {
		resp.Chains = s.deps.Chains.Correlate(snap.Events)
	}
	if resp.Chains == nil {
		resp.Chains = []correlation.EventChain{}
	}
	return resp
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.telemetryView(s.deps.Telemetry.Snapshot()))
}

func (s *Server) handleTechniques(w http.ResponseWriter, r *http.Request) {
	if s.deps.Techniques == nil {
		writeJSON(w, http.StatusOK, []*mitre.Technique{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Techniques.Techniques())
}

// Playbook handlers

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Playbooks == nil {
		writeJSON(w, http.StatusOK, []*playbooks.Playbook{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Playbooks.List())
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Playbooks != nil {
		if pb, ok := s.deps.Playbooks.GetPlaybook(id); ok {
			writeJSON(w, http.StatusOK, pb)
			return
		}
	}
	writeError(w, http.StatusNotFound, KindInvalid, fmt.Sprintf("playbook not found: %s", id))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Telemetry.Refresh(r.Context(), true)
	switch {
	case errors.Is(err, aggregation.ErrRefreshInFlight):
		writeError(w, http.StatusConflict, KindBusy, err.Error())
	case errors.Is(err, backend.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, KindUnauthorized, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, KindService, err.Error())
	default:
		writeJSON(w, http.StatusOK, s.telemetryView(snap))
	}
}

// Workflow handlers

type selectRequest struct {
	Identifier string `json:"identifier" validate:"required"`
}

type batchRequest struct {
	Identifiers []string `json:"identifiers" validate:"required,min=1,max=100,dive,required"`
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Workflow.View())
}

func (s *Server) handleResetWorkflow(w http.ResponseWriter, r *http.Request) {
	s.deps.Workflow.Reset()
	writeJSON(w, http.StatusOK, s.deps.Workflow.View())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	_, err := s.deps.Workflow.LoadRecordSets(r.Context())
	s.respondWorkflow(w, err)
}

func (s *Server) handleIntersect(w http.ResponseWriter, r *http.Request) {
	_, err := s.deps.Workflow.ComputeIntersection(r.Context())
	s.respondWorkflow(w, err)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, err.Error())
		return
	}
	_, err := s.deps.Workflow.SelectRecord(req.Identifier)
	s.respondWorkflow(w, err)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	_, err := s.deps.Workflow.RunPrediction(r.Context())
	s.respondWorkflow(w, err)
}

func (s *Server) handleBatchPredict(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, err.Error())
		return
	}

	result, err := s.deps.Workflow.RunBatchPrediction(r.Context(), req.Identifiers)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// respondWorkflow writes the current view on success. On failure the state
// is unchanged, so only the error is returned.
func (s *Server) respondWorkflow(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Workflow.View())
}

func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	var (
		usageErr *workflow.UsageError
		stageErr *workflow.StageError
	)
	switch {
	case errors.As(err, &usageErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: usageErr.Reason, Kind: KindUsage, Action: string(usageErr.Action)})
	case errors.Is(err, workflow.ErrBusy):
		writeError(w, http.StatusConflict, KindBusy, err.Error())
	case errors.As(err, &stageErr):
		status, kind := http.StatusBadGateway, KindService
		if errors.Is(err, backend.ErrUnauthorized) {
			status, kind = http.StatusUnauthorized, KindUnauthorized
		}
		writeJSON(w, status, errorResponse{Error: stageErr.Reason, Kind: kind, Action: string(stageErr.Action)})
	default:
		s.logger.Error("Unexpected workflow error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, KindService, err.Error())
	}
}
