// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"workshop/internal/http/handlers"
	"workshop/internal/http/middleware"
	"workshop/internal/modules/booking"
	"workshop/internal/modules/stats"
	"workshop/internal/modules/workorder"
)

type RouterDeps struct {
	WorkOrder *workorder.Service
	Booking   *booking.Service
	Stats     *stats.Service
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api")

	orders := handlers.NewWorkOrderHandler(deps.WorkOrder)
	wo := api.Group("/work-orders")
	wo.POST("", orders.Register)
	wo.POST("/recompute", orders.Recompute)
	wo.GET("/:id", orders.Get)
	wo.GET("/:id/timeline", orders.Timeline)
	wo.POST("/:id/start", orders.Start)
	wo.POST("/:id/stops", orders.BeginStop)
	wo.POST("/:id/stops/:type/end", orders.EndStop)
	wo.POST("/:id/complete", orders.Complete)
	wo.POST("/:id/cancel", orders.Cancel)
	wo.PUT("/:id/estimate", orders.UpdateEstimate)
	wo.PUT("/:id/notes", orders.UpdateNotes)
	wo.POST("/:id/stall", orders.AssignStall)

	statsHandler := handlers.NewStatsHandler(deps.Stats)
	bookings := handlers.NewBookingHandler(deps.Booking)
	api.GET("/stalls", bookings.Roster)
	api.GET("/stalls/availability", bookings.Availability)
	api.GET("/stalls/status", statsHandler.StallBoard)
	api.PUT("/stalls/:id", bookings.SaveStall)
	api.PUT("/mechanics/:id", bookings.SaveMechanic)
	api.GET("/reservations", bookings.ListReservations)
	api.POST("/reservations", bookings.CreateReservation)
	api.POST("/reservations/:id/status", bookings.UpdateReservationState)

	api.GET("/statistics", statsHandler.Get)

	return r
}
