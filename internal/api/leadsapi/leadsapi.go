// Package leadsapi exposes the funnel over HTTP: the public tracking page
// endpoints and the administrator console endpoints.
package leadsapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/services/batch"
	"github.com/BearBump/TrackFunnel/internal/services/leads"
	"github.com/BearBump/TrackFunnel/internal/stages"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	sessionHeader  = "X-Admin-Session"
	defaultSession = "default"
	maxBodyBytes   = 8 << 20
)

type API struct {
	svc     *leads.Service
	batches *batch.Executor

	// batches outlive the request that started them
	baseCtx context.Context
}

func New(svc *leads.Service, batches *batch.Executor) *API {
	return &API{svc: svc, batches: batches, baseCtx: context.Background()}
}

// WithBaseContext sets the context background batches run under.
func (a *API) WithBaseContext(ctx context.Context) *API {
	if ctx != nil {
		a.baseCtx = ctx
	}
	return a
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	a.Mount(r)
	return r
}

func (a *API) Mount(r chi.Router) {
	r.Get("/stages", a.getStages)

	r.Route("/track/{id}", func(r chi.Router) {
		r.Get("/", a.getTracking)
		r.Post("/charge", a.createCharge)
		r.Post("/simulate-payment", a.simulatePayment)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/leads", a.listLeads)
		r.Post("/leads", a.createLeads)
		r.Get("/leads/{id}", a.getLead)
		r.Delete("/leads/{id}", a.deleteLead)
		r.Post("/leads/{id}/advance", a.advanceLead)
		r.Post("/leads/{id}/retreat", a.retreatLead)
		r.Post("/leads/{id}/stage", a.setLeadStage)
		r.Post("/leads/{id}/confirm-payment", a.confirmPayment)
		r.Get("/stats/stages", a.stageCounts)

		r.Post("/batches", a.startBatch)
		r.Get("/batches/{session}", a.getBatch)
		r.Delete("/batches/{session}", a.cancelBatch)
	})
}

type stagesResponse struct {
	Stages         []stages.StageDefinition `json:"stages"`
	CustomsStageID int                      `json:"customsStageId"`
	Cycle          *cycleResponse           `json:"deliveryCycle,omitempty"`
}

type cycleResponse struct {
	FirstAttemptStageID int               `json:"firstAttemptStageId"`
	Length              int               `json:"length"`
	MaxAttempts         int               `json:"maxAttempts"`
	LastStageID         int               `json:"lastStageId"`
	Fees                []decimal.Decimal `json:"fees"`
}

func (a *API) getStages(w http.ResponseWriter, r *http.Request) {
	cat := a.svc.Engine().Catalog()
	out := stagesResponse{Stages: cat.Stages(), CustomsStageID: cat.CustomsStageID()}
	if cyc := cat.Cycle(); cyc != nil {
		out.Cycle = &cycleResponse{
			FirstAttemptStageID: cyc.FirstAttemptStageID(),
			Length:              cyc.Length(),
			MaxAttempts:         cyc.MaxAttempts(),
			LastStageID:         cyc.LastStageID(),
			Fees:                cyc.Fees(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getTracking(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.Tracking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) createCharge(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.CreateCharge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) simulatePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.svc.SimulatePayment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	v, err := a.svc.Tracking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type listResponse struct {
	Items []*models.Lead `json:"items"`
	Total int            `json:"total"`
}

func (a *API) listLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := leads.ListFilter{PaymentStatus: models.PaymentStatus(q.Get("paymentStatus"))}
	var err error
	if f.StageID, err = intParam(q.Get("stage")); err != nil {
		writeError(w, err)
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, err)
		return
	}

	items, total, err := a.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

type createRequest struct {
	Items []models.LeadCreateInput `json:"items"`
}

func (a *API) createLeads(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	items, err := a.svc.CreateMany(r.Context(), req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listResponse{Items: items, Total: len(items)})
}

func (a *API) getLead(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) deleteLead(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) advanceLead(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) retreatLead(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.Retreat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type setStageRequest struct {
	StageID int `json:"stageId"`
}

func (a *API) setLeadStage(w http.ResponseWriter, r *http.Request) {
	var req setStageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	l, err := a.svc.SetStage(r.Context(), chi.URLParam(r, "id"), req.StageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type confirmRequest struct {
	// Checkpoint defaults to the one the lead sits on.
	Checkpoint string `json:"checkpoint"`
}

func (a *API) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	id := chi.URLParam(r, "id")

	var (
		l   *models.Lead
		err error
	)
	if strings.TrimSpace(req.Checkpoint) == "" {
		l, err = a.svc.SimulatePayment(r.Context(), id)
	} else {
		l, err = a.svc.ConfirmPayment(r.Context(), id, req.Checkpoint)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) stageCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.svc.StageCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]int, len(counts))
	for id, n := range counts {
		out[strconv.Itoa(id)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

type batchRequest struct {
	Session string   `json:"session"`
	Action  string   `json:"action"`
	StageID int      `json:"stageId,omitempty"`
	IDs     []string `json:"ids"`
}

func (a *API) startBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	action, err := batch.ParseAction(req.Action, req.StageID)
	if err != nil {
		writeError(w, err)
		return
	}
	session := req.Session
	if session == "" {
		session = sessionOf(r)
	}

	h, err := a.batches.StartBatch(a.baseCtx, session, action, req.IDs, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Snapshot())
}

func (a *API) getBatch(w http.ResponseWriter, r *http.Request) {
	rep, ok := a.batches.Status(chi.URLParam(r, "session"))
	if !ok {
		writeError(w, errors.Wrap(apperr.ErrUnknownRecord, "no batch for session"))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) cancelBatch(w http.ResponseWriter, r *http.Request) {
	if !a.batches.Cancel(chi.URLParam(r, "session")) {
		writeError(w, errors.Wrap(apperr.ErrUnknownRecord, "no running batch for session"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

func sessionOf(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get(sessionHeader)); s != "" {
		return s
	}
	return defaultSession
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(apperr.ErrInvalidInput, "not a number: %q", raw)
	}
	return n, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(apperr.ErrInvalidInput, "decode body: %v", err)
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http request failed", "kind", apperr.Kind(err), "error", err.Error())
	}
	writeJSON(w, status, errorResponse{Error: apperr.Kind(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
