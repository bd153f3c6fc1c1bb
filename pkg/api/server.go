// Package api is the HTTP surface of the colony runtime: goal
// submission and inspection, plan approval, agent roster, orchestrator
// state and the live WebSocket event stream.
package api

import (
	"database/sql"

	"github.com/gin-gonic/gin"

	"github.com/remingtons1/colony/pkg/events"
	"github.com/remingtons1/colony/pkg/funding"
	"github.com/remingtons1/colony/pkg/health"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
	"github.com/remingtons1/colony/pkg/taskgraph"
)

// TickStatus exposes the driver's view of the orchestrator loop.
type TickStatus interface {
	LastSummary() *models.TickSummary
}

// Server holds the handler dependencies.
type Server struct {
	store       store.Store
	graph       *taskgraph.Graph
	funding     funding.Funding
	monitor     *health.Monitor
	ticks       TickStatus
	connManager *events.ConnectionManager

	// db is the raw pool for the healthz ping; nil when running on the
	// in-memory store.
	db *sql.DB

	wsOrigins []string
}

// Deps are the server's collaborators. Monitor, Ticks, ConnManager and
// DB are optional.
type Deps struct {
	Store       store.Store
	Graph       *taskgraph.Graph
	Funding     funding.Funding
	Monitor     *health.Monitor
	Ticks       TickStatus
	ConnManager *events.ConnectionManager
	DB          *sql.DB
	WSOrigins   []string
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		store:       deps.Store,
		graph:       deps.Graph,
		funding:     deps.Funding,
		monitor:     deps.Monitor,
		ticks:       deps.Ticks,
		connManager: deps.ConnManager,
		db:          deps.DB,
		wsOrigins:   deps.WSOrigins,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/goals", s.createGoal)
		v1.GET("/goals", s.listGoals)
		v1.GET("/goals/:id", s.getGoal)
		v1.GET("/goals/:id/progress", s.getGoalProgress)
		v1.POST("/goals/:id/cancel", s.cancelGoal)
		v1.POST("/goals/:id/approve-plan", s.approvePlan)
		v1.GET("/agents", s.listAgents)
		v1.GET("/orchestrator", s.getOrchestrator)
		v1.GET("/ws", s.handleWS)
	}
	return r
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
