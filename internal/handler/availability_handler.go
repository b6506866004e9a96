package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/lessonbook/internal/availability"
	"github.com/hitoshi/lessonbook/internal/model"
)

// AvailabilityServiceInterface は受講可能時間帯ハンドラーが必要とするサービスインターフェース。
type AvailabilityServiceInterface interface {
	List(ctx context.Context, teacherID string) ([]*model.Availability, error)
	Replace(ctx context.Context, caller model.Caller, teacherID string, slots []availability.Slot) ([]*model.Availability, error)
	FreeBusy(ctx context.Context, teacherID string, from, to time.Time) (*availability.FreeBusy, error)
}

// AvailabilityHandler は講師の受講可能時間帯と空き状況のHTTPハンドラー。
type AvailabilityHandler struct {
	service AvailabilityServiceInterface
}

// NewAvailabilityHandler はAvailabilityHandlerを生成する。
func NewAvailabilityHandler(service AvailabilityServiceInterface) *AvailabilityHandler {
	return &AvailabilityHandler{service: service}
}

// List は講師の受講可能時間帯を返す。
// GET /api/teachers/{id}/availability
func (h *AvailabilityHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerFromRequest(w, r); !ok {
		return
	}
	teacherID := chi.URLParam(r, "id")

	slots, err := h.service.List(r.Context(), teacherID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAvailabilityListResponse(teacherID, slots))
}

// Replace は講師の受講可能時間帯をすべて置き換える。
// PUT /api/teachers/{id}/availability
func (h *AvailabilityHandler) Replace(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	teacherID := chi.URLParam(r, "id")

	var req replaceAvailabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleServiceError(w, err)
		return
	}

	input := make([]availability.Slot, 0, len(req.Slots))
	for _, s := range req.Slots {
		active := true
		if s.Active != nil {
			active = *s.Active
		}
		input = append(input, availability.Slot{
			DayOfWeek: *s.DayOfWeek,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			Active:    active,
		})
	}

	slots, err := h.service.Replace(r.Context(), caller, teacherID, input)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAvailabilityListResponse(teacherID, slots))
}

// FreeBusy は講師の空き状況を返す。
// GET /api/teachers/{id}/freebusy?from=&to=
func (h *AvailabilityHandler) FreeBusy(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerFromRequest(w, r); !ok {
		return
	}

	q := r.URL.Query()
	from, err := parseTimeParam(q, "from")
	if err != nil {
		handleServiceError(w, err)
		return
	}
	to, err := parseTimeParam(q, "to")
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if from == nil || to == nil {
		handleServiceError(w, model.NewValidationError("from と to を指定してください"))
		return
	}

	fb, err := h.service.FreeBusy(r.Context(), chi.URLParam(r, "id"), *from, *to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toFreeBusyResponse(fb))
}
