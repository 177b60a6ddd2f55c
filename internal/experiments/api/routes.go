package api

import "github.com/gin-gonic/gin"

// Routes mounts the experiment endpoints on the router group.
//
// The admin surface surfaces errors to the operator; the user-facing surface
// (assign, events) swallows engine failures into control behavior.
func Routes(router *gin.RouterGroup, h *Handler) {
	exps := router.Group("/experiments")

	// Admin surface.
	exps.POST("", h.CreateExperiment)
	exps.GET("", h.ListExperiments)
	exps.GET("/active", h.GetActiveExperiments)
	exps.GET("/:id", h.GetExperiment)
	exps.PUT("/:id", h.UpdateExperiment)
	exps.DELETE("/:id", h.DeleteExperiment)
	for _, verb := range []string{"start", "stop", "pause", "resume", "cancel"} {
		exps.PUT("/:id/"+verb, h.Transition(verb))
	}
	exps.GET("/:id/results", h.GetResults)
	exps.GET("/:id/events/breakdown", h.GetEventBreakdown)

	// User-facing surface.
	exps.POST("/:id/assign", h.AssignVariant)
	exps.POST("/:id/events", h.RecordEvent)

	router.GET("/users/:userId/events", h.GetUserTimeline)
}
