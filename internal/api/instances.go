package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/recipient"
	"github.com/beaulazear/voxxy-campaign-engine/internal/schedule"
	"github.com/beaulazear/voxxy-campaign-engine/internal/worker"
	"github.com/go-chi/chi/v5"
)

// InstanceReader is the scheduled-instance half of the store.
type InstanceReader interface {
	GetInstance(ctx context.Context, id string) (*domain.ScheduledInstance, error)
	ListInstances(ctx context.Context, eventID, status string, limit int) ([]domain.ScheduledInstance, error)
	ListScheduledDue(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledInstance, error)
}

// InstanceRunner sends an instance on demand. *worker.Scheduler satisfies it.
type InstanceRunner interface {
	RunInstance(ctx context.Context, instanceID string) (*worker.RunResult, error)
}

type InstanceHandler struct {
	instances InstanceReader
	resolver  *recipient.Resolver
	tracker   *delivery.Tracker
	gate      *schedule.Gate
	runner    InstanceRunner
	logger    *slog.Logger
	now       func() time.Time
}

func NewInstanceHandler(instances InstanceReader, resolver *recipient.Resolver, tracker *delivery.Tracker, gate *schedule.Gate, runner InstanceRunner, logger *slog.Logger) *InstanceHandler {
	return &InstanceHandler{
		instances: instances,
		resolver:  resolver,
		tracker:   tracker,
		gate:      gate,
		runner:    runner,
		logger:    logger,
		now:       time.Now,
	}
}

type instanceResponse struct {
	domain.ScheduledInstance
	Schedule schedule.Status `json:"schedule"`
}

func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.instances.ListInstances(r.Context(), q.Get("event_id"), q.Get("status"), queryLimit(r, 100, 500))
	if err != nil {
		respondFailure(w, h.logger, err, "failed to list instances")
		return
	}

	now := h.now().UTC()
	out := make([]instanceResponse, 0, len(list))
	for i := range list {
		out = append(out, instanceResponse{ScheduledInstance: list[i], Schedule: h.gate.Check(&list[i], now)})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, instanceResponse{ScheduledInstance: *inst, Schedule: h.gate.Check(inst, h.now().UTC())})
}

// Recipients returns the live recipient plan, including how many candidates
// suppression removed.
func (h *InstanceHandler) Recipients(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	plan, err := h.resolver.Plan(r.Context(), inst, h.now().UTC())
	if err != nil {
		respondFailure(w, h.logger, err, "failed to resolve recipients")
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

type countResponse struct {
	InstanceID string `json:"instance_id"`
	Count      int    `json:"count"`
	Frozen     bool   `json:"frozen"`
}

func (h *InstanceHandler) Count(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	n, err := h.resolver.Count(r.Context(), inst, h.now().UTC())
	if err != nil {
		respondFailure(w, h.logger, err, "failed to count recipients")
		return
	}
	respondJSON(w, http.StatusOK, countResponse{InstanceID: inst.ID, Count: n, Frozen: inst.IsSent()})
}

func (h *InstanceHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.gate.Check(inst, h.now().UTC()))
}

type statsResponse struct {
	InstanceID string `json:"instance_id"`
	delivery.Stats
}

// Stats aggregates the instance's delivery records against its recipient
// count, frozen or live.
func (h *InstanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.load(w, r)
	if !ok {
		return
	}

	records, err := h.tracker.List(r.Context(), domain.DeliveryFilter{ScheduledInstanceID: inst.ID})
	if err != nil {
		respondFailure(w, h.logger, err, "failed to list deliveries")
		return
	}

	count, err := h.resolver.Count(r.Context(), inst, h.now().UTC())
	if err != nil {
		respondFailure(w, h.logger, err, "failed to count recipients")
		return
	}

	respondJSON(w, http.StatusOK, statsResponse{
		InstanceID: inst.ID,
		Stats:      delivery.Summarize(records, count, h.tracker.Policy()),
	})
}

// Overdue lists scheduled instances past their fire time plus the grace
// period, most overdue first.
func (h *InstanceHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	due, err := h.instances.ListScheduledDue(r.Context(), now.Add(-h.gate.GracePeriod()), queryLimit(r, 100, 1000))
	if err != nil {
		respondFailure(w, h.logger, err, "failed to list overdue instances")
		return
	}

	out := make([]schedule.Status, 0, len(due))
	for i := range due {
		if h.gate.Overdue(&due[i], now) {
			out = append(out, h.gate.Check(&due[i], now))
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// Run sends a due instance now instead of waiting for the next poll. The
// scheduler's own checks still apply.
func (h *InstanceHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}

	res, err := h.runner.RunInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, h.logger, err, "failed to run instance")
		return
	}

	code := http.StatusOK
	if res.Skipped != "" {
		code = http.StatusConflict
	}
	respondJSON(w, code, res)
}

func (h *InstanceHandler) load(w http.ResponseWriter, r *http.Request) (*domain.ScheduledInstance, bool) {
	inst, err := h.instances.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, h.logger, err, "failed to get instance")
		return nil, false
	}
	return inst, true
}
