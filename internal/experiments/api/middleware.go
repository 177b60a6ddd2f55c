package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/splitlab/splitlab/internal/experiments"
)

// Headers carrying the externally-resolved identity. Authentication itself is
// outside the engine; these are set by the gateway in front of it.
const (
	userIDHeader    = "X-User-ID"
	sessionIDHeader = "X-Session-ID"
)

const contextKeyPrefix = "abtest:"

// actorID identifies the operator on admin calls.
func actorID(c *gin.Context) string {
	if id := c.GetHeader(userIDHeader); id != "" {
		return id
	}
	return "system"
}

// VariantMiddleware assigns the calling user to the given experiment, records
// an exposed event, and stashes the assignment in the request context under
// the feature key. Downstream handlers read it with VariantFromContext and
// branch on the variant config.
//
// Every failure path degrades to a synthetic control assignment: an
// experimentation problem must never break the request it rides on.
func VariantMiddleware(svc *experiments.Service, testID uuid.UUID, feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			setControl(c, feature)
			c.Next()
			return
		}

		sessionID := c.GetHeader(sessionIDHeader)
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		evCtx := &experiments.EventContext{
			Page:      c.Request.URL.Path,
			Action:    c.Request.Method,
			UserAgent: c.Request.UserAgent(),
			IPAddress: c.ClientIP(),
			Referrer:  c.Request.Referer(),
		}

		assignment := svc.Assign(c.Request.Context(), testID, userID, sessionID, evCtx)
		if assignment == nil {
			setControl(c, feature)
			c.Next()
			return
		}

		svc.RecordEvent(c.Request.Context(), testID, userID, experiments.EventExposed,
			&experiments.EventContext{Page: c.Request.URL.Path, Component: feature}, nil)

		c.Set(contextKeyPrefix+feature, assignment)
		c.Next()
	}
}

// VariantFromContext returns the assignment the middleware stashed for the
// feature. The second return is false when the request fell back to control.
func VariantFromContext(c *gin.Context, feature string) (*experiments.Assignment, bool) {
	value, ok := c.Get(contextKeyPrefix + feature)
	if !ok {
		return controlAssignment(), false
	}
	assignment, ok := value.(*experiments.Assignment)
	if !ok || assignment == nil {
		return controlAssignment(), false
	}
	return assignment, assignment.TestID != uuid.Nil
}

func setControl(c *gin.Context, feature string) {
	c.Set(contextKeyPrefix+feature, controlAssignment())
}

func controlAssignment() *experiments.Assignment {
	return &experiments.Assignment{
		VariantID: experiments.ControlVariantID,
		IsControl: true,
	}
}
