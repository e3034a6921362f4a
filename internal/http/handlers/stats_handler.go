// README: Statistics and stall board handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"workshop/internal/modules/booking"
	"workshop/internal/modules/stats"
	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

type StatsHandler struct {
	stats *stats.Service
}

func NewStatsHandler(svc *stats.Service) *StatsHandler {
	return &StatsHandler{stats: svc}
}

type statisticsQuery struct {
	DateFrom string `form:"date_from"`
	DateTo   string `form:"date_to"`
	GroupBy  string `form:"group_by"`
}

func (h *StatsHandler) Get(c *gin.Context) {
	var q statisticsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBadRequest(c, "invalid query")
		return
	}
	from, to, ok := parseRange(c, q.DateFrom, q.DateTo)
	if !ok {
		return
	}
	g, err := stats.ParseGroupBy(q.GroupBy)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	rep, err := h.stats.GetStatistics(c.Request.Context(), stats.Query{From: from, To: to, GroupBy: g})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep.Rounded())
}

type currentOrderResp struct {
	ID               types.ID             `json:"id"`
	Stage            workorder.Stage      `json:"stage"`
	DisplayStage     string               `json:"display_stage"`
	OpenStop         *workorder.PhaseType `json:"open_stop"`
	StartedAt        time.Time            `json:"started_at"`
	EstimateHours    float64              `json:"estimate_hours"`
	NetLeadTimeHours float64              `json:"net_lead_time_hours"`
	ProgressPercent  float64              `json:"progress_percent"`
	MechanicIDs      []types.ID           `json:"mechanic_ids"`
}

type stallStatusResp struct {
	StallID       types.ID              `json:"stall_id"`
	Code          string                `json:"code"`
	Name          string                `json:"name"`
	Occupied      bool                  `json:"occupied"`
	CurrentOrder  *currentOrderResp     `json:"current_order"`
	Reservations  []booking.Reservation `json:"reservations"`
	NextAvailable *types.TimeOfDay      `json:"next_available"`
}

// StallBoard serves the per-stall occupancy view; date defaults to today.
func (h *StatsHandler) StallBoard(c *gin.Context) {
	var date types.Date
	if raw := c.Query("date"); raw != "" {
		d, err := types.ParseDate(raw)
		if err != nil {
			writeBadRequest(c, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	board, err := h.stats.StallBoard(c.Request.Context(), date)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	stalls := make([]stallStatusResp, 0, len(board.Stalls))
	for _, st := range board.Stalls {
		r := stallStatusResp{
			StallID:       st.StallID,
			Code:          st.Code,
			Name:          st.Name,
			Occupied:      st.Occupied,
			Reservations:  st.Reservations,
			NextAvailable: st.NextAvailable,
		}
		if cur := st.Current; cur != nil {
			r.CurrentOrder = &currentOrderResp{
				ID:               cur.ID,
				Stage:            cur.Stage,
				DisplayStage:     cur.DisplayStage,
				OpenStop:         cur.OpenStop,
				StartedAt:        cur.StartedAt,
				EstimateHours:    hours(cur.Estimate),
				NetLeadTimeHours: hours(cur.NetLeadTime),
				ProgressPercent:  round2(cur.ProgressPercent),
				MechanicIDs:      cur.MechanicIDs,
			}
		}
		stalls = append(stalls, r)
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"date":            board.Date,
		"stalls":          stalls,
		"total_stalls":    board.TotalStalls,
		"occupied_stalls": board.Occupied,
		"occupancy_rate":  round2(board.OccupancyRate),
	})
}
