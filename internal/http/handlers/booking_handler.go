// README: Booking handlers (roster, availability, reservations).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"workshop/internal/modules/booking"
	"workshop/internal/types"
)

type BookingHandler struct {
	bookings *booking.Service
}

func NewBookingHandler(svc *booking.Service) *BookingHandler {
	return &BookingHandler{bookings: svc}
}

// windowParams is shared by the availability query and reservation bodies.
type windowParams struct {
	Date          string   `json:"date" form:"date"`
	Start         string   `json:"start" form:"start"`
	End           string   `json:"end" form:"end"`
	DurationHours *float64 `json:"duration_hours" form:"duration_hours"`
}

func (p windowParams) request() (booking.WindowRequest, string) {
	var req booking.WindowRequest
	d, err := types.ParseDate(p.Date)
	if err != nil {
		return req, "date must be YYYY-MM-DD"
	}
	start, err := types.ParseTimeOfDay(p.Start)
	if err != nil {
		return req, "start must be HH:MM or decimal hours"
	}
	req.Date, req.Start = d, start
	if p.End != "" {
		end, err := types.ParseTimeOfDay(p.End)
		if err != nil {
			return req, "end must be HH:MM or decimal hours"
		}
		req.End = &end
	}
	if p.DurationHours != nil {
		d := fromHours(*p.DurationHours)
		req.Duration = &d
	}
	return req, ""
}

func (h *BookingHandler) Availability(c *gin.Context) {
	var p windowParams
	if err := c.ShouldBindQuery(&p); err != nil {
		writeBadRequest(c, "invalid query")
		return
	}
	req, msg := p.request()
	if msg != "" {
		writeBadRequest(c, msg)
		return
	}
	res, err := h.bookings.CheckAvailability(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *BookingHandler) Roster(c *gin.Context) {
	roster, err := h.bookings.Roster(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	stalls := roster.Stalls
	if stalls == nil {
		stalls = []booking.Stall{}
	}
	mechanics := roster.Mechanics
	if mechanics == nil {
		mechanics = []booking.Mechanic{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"stalls": stalls, "mechanics": mechanics})
}

type saveStallReq struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Sequence int    `json:"sequence"`
	Active   *bool  `json:"active"`
}

func (h *BookingHandler) SaveStall(c *gin.Context) {
	var req saveStallReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	st, err := h.bookings.SaveStall(c.Request.Context(), booking.SaveStallCommand{
		ID:       types.ID(c.Param("id")),
		Code:     req.Code,
		Name:     req.Name,
		Sequence: req.Sequence,
		Active:   req.Active == nil || *req.Active,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

type saveMechanicReq struct {
	Name    string `json:"name"`
	StallID string `json:"stall_id"`
	Active  *bool  `json:"active"`
}

func (h *BookingHandler) SaveMechanic(c *gin.Context) {
	var req saveMechanicReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	cmd := booking.SaveMechanicCommand{
		ID:     types.ID(c.Param("id")),
		Name:   req.Name,
		Active: req.Active == nil || *req.Active,
	}
	if req.StallID != "" {
		stall := types.ID(req.StallID)
		cmd.StallID = &stall
	}
	m, err := h.bookings.SaveMechanic(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

type createReservationReq struct {
	windowParams
	StallID      string   `json:"stall_id"`
	State        string   `json:"state"`
	CustomerName string   `json:"customer_name"`
	Service      string   `json:"service"`
	MechanicIDs  []string `json:"mechanic_ids"`
}

func (h *BookingHandler) CreateReservation(c *gin.Context) {
	var req createReservationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	window, msg := req.request()
	if msg != "" {
		writeBadRequest(c, msg)
		return
	}
	cmd := booking.CreateReservationCommand{
		StallID:      types.ID(req.StallID),
		Window:       window,
		State:        booking.State(req.State),
		CustomerName: req.CustomerName,
		Service:      req.Service,
	}
	for _, m := range req.MechanicIDs {
		cmd.MechanicIDs = append(cmd.MechanicIDs, types.ID(m))
	}
	r, err := h.bookings.CreateReservation(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

type reservationStateReq struct {
	State         string   `json:"state"`
	EstimateHours *float64 `json:"estimate_hours"`
}

func (h *BookingHandler) UpdateReservationState(c *gin.Context) {
	var req reservationStateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json")
		return
	}
	cmd := booking.UpdateStateCommand{ReservationID: types.ID(c.Param("id")), State: booking.State(req.State)}
	if req.EstimateHours != nil {
		d := fromHours(*req.EstimateHours)
		cmd.Estimate = &d
	}
	r, err := h.bookings.UpdateReservationState(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type listReservationsQuery struct {
	DateFrom string `form:"date_from"`
	DateTo   string `form:"date_to"`
}

func (h *BookingHandler) ListReservations(c *gin.Context) {
	var q listReservationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBadRequest(c, "invalid query")
		return
	}
	from, to, ok := parseRange(c, q.DateFrom, q.DateTo)
	if !ok {
		return
	}
	rs, err := h.bookings.ListReservations(c.Request.Context(), from, to)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if rs == nil {
		rs = []booking.Reservation{}
	}
	writeJSON(c, http.StatusOK, rs)
}

func parseRange(c *gin.Context, fromRaw, toRaw string) (types.Date, types.Date, bool) {
	from, err := types.ParseDate(fromRaw)
	if err != nil {
		writeBadRequest(c, "date_from must be YYYY-MM-DD")
		return types.Date{}, types.Date{}, false
	}
	to := from
	if toRaw != "" {
		if to, err = types.ParseDate(toRaw); err != nil {
			writeBadRequest(c, "date_to must be YYYY-MM-DD")
			return types.Date{}, types.Date{}, false
		}
	}
	return from, to, true
}
