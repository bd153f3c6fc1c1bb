package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remingtons1/colony/pkg/models"
)

// CreateGoalRequest is the body of POST /api/v1/goals.
type CreateGoalRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) createGoal(c *gin.Context) {
	var req CreateGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}

	goal, err := s.graph.CreateGoal(c.Request.Context(), req.Title, req.Description)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, goal)
}

func (s *Server) listGoals(c *gin.Context) {
	goals, err := s.store.GetActiveGoals(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if goals == nil {
		goals = []*models.Goal{}
	}
	c.JSON(http.StatusOK, gin.H{"goals": goals})
}

func (s *Server) getGoal(c *gin.Context) {
	goal, err := s.store.GetGoalByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, goal)
}

func (s *Server) getGoalProgress(c *gin.Context) {
	progress, err := s.graph.GoalProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// cancelGoal terminally marks a goal cancelled; the orchestrator resets
// to idle on its next tick.
func (s *Server) cancelGoal(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	goal, err := s.store.GetGoalByID(ctx, id)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if goal.Status.Terminal() {
		abortWithError(c, http.StatusConflict, "goal is not in a cancellable state")
		return
	}

	if err := s.store.UpdateGoalStatus(ctx, id, models.GoalStatusCancelled, ""); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.GoalStatusCancelled)})
}

// approvePlan flips the external approval flag the orchestrator polls
// during plan review.
func (s *Server) approvePlan(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetGoalByID(ctx, id); err != nil {
		mapServiceError(c, err)
		return
	}
	if err := s.store.SetKV(ctx, models.PlanApprovalKey(id), "approved"); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true})
}
