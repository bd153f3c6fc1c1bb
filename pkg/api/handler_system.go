package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remingtons1/colony/pkg/database"
	"github.com/remingtons1/colony/pkg/health"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// AgentView is one worker as reported on GET /api/v1/agents: the roster
// record joined with the latest health audit and wallet balance.
type AgentView struct {
	Address      string         `json:"address"`
	Name         string         `json:"name"`
	Role         string         `json:"role"`
	Status       string         `json:"status"`
	BalanceCents int64          `json:"balanceCents"`
	Issues       []health.Issue `json:"issues"`
	ActiveTaskID string         `json:"activeTaskId,omitempty"`
	LastChecked  string         `json:"lastChecked,omitempty"`
}

func (s *Server) listAgents(c *gin.Context) {
	ctx := c.Request.Context()

	children, err := s.store.GetChildren(ctx)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	reports := make(map[string]*health.Report)
	if s.monitor != nil {
		for _, r := range s.monitor.LastReports() {
			reports[r.Agent.Address] = r
		}
	}

	agents := make([]AgentView, 0, len(children))
	for _, child := range children {
		view := AgentView{
			Address: child.Address,
			Name:    child.Name,
			Role:    child.Role,
			Status:  string(child.Status),
			Issues:  []health.Issue{},
		}
		if !child.LastChecked.IsZero() {
			view.LastChecked = child.LastChecked.UTC().Format(time.RFC3339)
		}
		if report, ok := reports[child.Address]; ok {
			view.BalanceCents = report.BalanceCents
			if len(report.Issues) > 0 {
				view.Issues = report.Issues
			}
			if report.ActiveTask != nil {
				view.ActiveTaskID = report.ActiveTask.ID
			}
		} else if s.funding != nil {
			if balance, err := s.funding.GetBalance(ctx, child.Address); err == nil {
				view.BalanceCents = balance
			}
		}
		agents = append(agents, view)
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getOrchestrator(c *gin.Context) {
	ctx := c.Request.Context()

	state := models.OrchestratorState{Phase: models.PhaseIdle}
	raw, err := s.store.GetKV(ctx, models.KeyOrchestratorState)
	switch {
	case err == nil:
		if uerr := json.Unmarshal([]byte(raw), &state); uerr != nil {
			mapServiceError(c, uerr)
			return
		}
	case errors.Is(err, store.ErrNotFound):
		// No state yet; idle default stands.
	default:
		mapServiceError(c, err)
		return
	}

	resp := gin.H{"state": state}
	if s.ticks != nil {
		if summary := s.ticks.LastSummary(); summary != nil {
			resp["lastTick"] = summary
		}
	}
	if tier, err := s.store.GetKV(ctx, models.KeyCurrentTier); err == nil {
		resp["tier"] = tier
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) healthz(c *gin.Context) {
	resp := gin.H{"status": "healthy"}
	if s.connManager != nil {
		resp["websocket_connections"] = s.connManager.ActiveConnections()
	}

	if s.db != nil {
		dbStatus, err := database.Health(c.Request.Context(), s.db)
		resp["database"] = dbStatus
		if err != nil {
			resp["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}
