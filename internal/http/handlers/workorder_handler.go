// README: Work order handlers (register, transitions, stall assignment, snapshot, timeline, recompute).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

type WorkOrderHandler struct {
	orders *workorder.Service
}

func NewWorkOrderHandler(svc *workorder.Service) *WorkOrderHandler {
	return &WorkOrderHandler{orders: svc}
}

type snapshotResp struct {
	ID                  types.ID           `json:"id"`
	CurrentStage        workorder.Stage    `json:"current_stage"`
	DisplayStage        string             `json:"display_stage"`
	TotalElapsedHours   float64            `json:"total_elapsed_hours"`
	NetLeadTimeHours    float64            `json:"net_lead_time_hours"`
	TotalElapsedSeconds int64              `json:"total_elapsed_seconds"`
	NetLeadTimeSeconds  int64              `json:"net_lead_time_seconds"`
	PerStopHours        map[string]float64 `json:"per_stop_duration_hours"`
	ProgressPercent     float64            `json:"progress_percent"`
	Warnings            []string           `json:"warnings"`
}

func toSnapshotResp(s workorder.Snapshot) snapshotResp {
	per := make(map[string]float64, len(workorder.StopTypes))
	for _, p := range workorder.StopTypes {
		per[string(p)] = hours(s.PerStopDuration[p])
	}
	warnings := s.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return snapshotResp{
		ID:                  s.ID,
		CurrentStage:        s.CurrentStage,
		DisplayStage:        s.DisplayStage,
		TotalElapsedHours:   hours(s.TotalElapsed),
		NetLeadTimeHours:    hours(s.NetLeadTime),
		TotalElapsedSeconds: int64(s.TotalElapsed / time.Second),
		NetLeadTimeSeconds:  int64(s.NetLeadTime / time.Second),
		PerStopHours:        per,
		ProgressPercent:     round2(s.ProgressPercent),
		Warnings:            warnings,
	}
}

type registerReq struct {
	ID            string   `json:"id"`
	StallID       string   `json:"stall_id"`
	MechanicIDs   []string `json:"mechanic_ids"`
	EstimateHours float64  `json:"estimate_hours"`
	Notes         string   `json:"notes"`
}

func (h *WorkOrderHandler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	cmd := workorder.RegisterCommand{
		ID:       types.ID(req.ID),
		Estimate: fromHours(req.EstimateHours),
		Notes:    req.Notes,
	}
	if req.StallID != "" {
		stall := types.ID(req.StallID)
		cmd.StallID = &stall
	}
	for _, m := range req.MechanicIDs {
		cmd.MechanicIDs = append(cmd.MechanicIDs, types.ID(m))
	}
	o, err := h.orders.Register(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, map[string]any{"order_id": o.ID, "current_stage": o.Stage})
}

type transitionReq struct {
	At   *time.Time `json:"at"`
	Note string     `json:"note"`
}

type beginStopReq struct {
	StopType string     `json:"stop_type"`
	At       *time.Time `json:"at"`
	Note     string     `json:"note"`
}

// bindOptional accepts an empty body as the zero request.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		writeBadRequest(c, "invalid json")
		return false
	}
	return true
}

func (h *WorkOrderHandler) Start(c *gin.Context) {
	var req transitionReq
	if !bindOptional(c, &req) {
		return
	}
	snap, err := h.orders.StartService(c.Request.Context(), workorder.StartCommand{OrderID: types.ID(c.Param("id")), At: req.At})
	h.respond(c, snap, err)
}

func (h *WorkOrderHandler) BeginStop(c *gin.Context) {
	var req beginStopReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	stop, ok := workorder.ParseStopType(req.StopType)
	if !ok {
		writeBadRequest(c, "unknown stop_type")
		return
	}
	snap, err := h.orders.BeginStop(c.Request.Context(), workorder.BeginStopCommand{
		OrderID: types.ID(c.Param("id")),
		Stop:    stop,
		At:      req.At,
		Note:    req.Note,
	})
	h.respond(c, snap, err)
}

func (h *WorkOrderHandler) EndStop(c *gin.Context) {
	var req transitionReq
	if !bindOptional(c, &req) {
		return
	}
	stop, ok := workorder.ParseStopType(c.Param("type"))
	if !ok {
		writeBadRequest(c, "unknown stop type")
		return
	}
	snap, err := h.orders.EndStop(c.Request.Context(), workorder.EndStopCommand{
		OrderID: types.ID(c.Param("id")),
		Stop:    stop,
		At:      req.At,
		Note:    req.Note,
	})
	h.respond(c, snap, err)
}

func (h *WorkOrderHandler) Complete(c *gin.Context) {
	var req transitionReq
	if !bindOptional(c, &req) {
		return
	}
	snap, err := h.orders.Complete(c.Request.Context(), workorder.CompleteCommand{OrderID: types.ID(c.Param("id")), At: req.At})
	h.respond(c, snap, err)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *WorkOrderHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if !bindOptional(c, &req) {
		return
	}
	snap, err := h.orders.Cancel(c.Request.Context(), workorder.CancelCommand{OrderID: types.ID(c.Param("id")), Reason: req.Reason})
	h.respond(c, snap, err)
}

type estimateReq struct {
	EstimateHours *float64 `json:"estimate_hours"`
}

func (h *WorkOrderHandler) UpdateEstimate(c *gin.Context) {
	var req estimateReq
	if err := c.ShouldBindJSON(&req); err != nil || req.EstimateHours == nil {
		writeBadRequest(c, "estimate_hours is required")
		return
	}
	snap, err := h.orders.UpdateEstimate(c.Request.Context(), workorder.UpdateEstimateCommand{
		OrderID:  types.ID(c.Param("id")),
		Estimate: fromHours(*req.EstimateHours),
	})
	h.respond(c, snap, err)
}

type notesReq struct {
	Notes string `json:"notes"`
}

func (h *WorkOrderHandler) UpdateNotes(c *gin.Context) {
	var req notesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	snap, err := h.orders.UpdateNotes(c.Request.Context(), workorder.UpdateNotesCommand{OrderID: types.ID(c.Param("id")), Notes: req.Notes})
	h.respond(c, snap, err)
}

func (h *WorkOrderHandler) Get(c *gin.Context) {
	snap, err := h.orders.Get(c.Request.Context(), types.ID(c.Param("id")))
	h.respond(c, snap, err)
}

type timelineEntryResp struct {
	At    time.Time              `json:"at"`
	Kind  workorder.TimelineKind `json:"kind"`
	Phase workorder.PhaseType    `json:"phase,omitempty"`
	Note  string                 `json:"note,omitempty"`
}

func (h *WorkOrderHandler) Timeline(c *gin.Context) {
	tl, err := h.orders.Timeline(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	entries := make([]timelineEntryResp, 0, len(tl.Entries))
	for _, e := range tl.Entries {
		entries = append(entries, timelineEntryResp(e))
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"order_id":            tl.OrderID,
		"stage":               tl.Stage,
		"entries":             entries,
		"total_elapsed_hours": hours(tl.Derived.TotalElapsed),
		"active_hours":        hours(tl.Derived.NetLeadTime),
		"job_stop_hours":      hours(tl.Derived.TotalStops()),
		"warnings":            tl.Warnings,
	})
}

type assignStallReq struct {
	StallID string `json:"stall_id"`
	Force   bool   `json:"force"`
	Reason  string `json:"reason"`
}

// AssignStall answers 409 conflict while another in-progress order holds the
// stall; the caller may retry with force.
func (h *WorkOrderHandler) AssignStall(c *gin.Context) {
	var req assignStallReq
	if err := c.ShouldBindJSON(&req); err != nil || req.StallID == "" {
		writeBadRequest(c, "stall_id is required")
		return
	}
	snap, err := h.orders.AssignStall(c.Request.Context(), workorder.AssignStallCommand{
		OrderID: types.ID(c.Param("id")),
		StallID: types.ID(req.StallID),
		Force:   req.Force,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"order":         toSnapshotResp(snap),
		"stall_id":      snap.Order.StallID,
		"stall_history": snap.Order.StallHistory,
	})
}

type recomputeReq struct {
	OrderIDs  []string `json:"order_ids"`
	All       bool     `json:"all"`
	BatchSize int      `json:"batch_size"`
}

// Recompute answers 200 with the partial result even when some orders failed.
func (h *WorkOrderHandler) Recompute(c *gin.Context) {
	var req recomputeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	ids := make([]types.ID, 0, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		ids = append(ids, types.ID(id))
	}
	res, err := h.orders.Recompute(c.Request.Context(), workorder.RecomputeRequest{OrderIDs: ids, All: req.All, BatchSize: req.BatchSize})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *WorkOrderHandler) respond(c *gin.Context, snap workorder.Snapshot, err error) {
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toSnapshotResp(snap))
}
