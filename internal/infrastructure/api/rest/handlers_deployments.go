package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/flowmesh/core/internal/application/deployment"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/models"
)

// DeploymentHandlers exposes the Deployment API (§6: deploy/cancel/status)
// over deployment.Manager, following the teacher's handlers_triggers.go
// request-binding/response-envelope shape.
type DeploymentHandlers struct {
	manager *deployment.Manager
	logger  *logger.Logger
}

// NewDeploymentHandlers creates a DeploymentHandlers.
func NewDeploymentHandlers(manager *deployment.Manager, log *logger.Logger) *DeploymentHandlers {
	return &DeploymentHandlers{manager: manager, logger: log}
}

type deployRequest struct {
	WorkflowID        string         `json:"workflow_id"`
	SessionID         string         `json:"session_id"`
	Nodes             []*models.Node `json:"nodes"`
	Edges             []*models.Edge `json:"edges"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs,omitempty"`
}

// HandleDeploy handles POST /api/v1/deployments (§6 "deploy(...) ->
// {success, deployment_id, workflow_id, triggers}").
func (h *DeploymentHandlers) HandleDeploy(c *gin.Context) {
	var req deployRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	if req.WorkflowID == "" {
		respondAPIError(c, NewAPIError("WORKFLOW_ID_REQUIRED", "workflow_id is required", http.StatusBadRequest))
		return
	}
	if len(req.Nodes) == 0 {
		respondAPIError(c, NewAPIError("NODES_REQUIRED", "nodes is required", http.StatusBadRequest))
		return
	}

	result, err := h.manager.Deploy(c.Request.Context(), req.Nodes, req.Edges, req.SessionID, req.WorkflowID, req.MaxConcurrentRuns)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "deploy failed", "workflow_id", req.WorkflowID, "error", err, "request_id", GetRequestID(c))
		respondAPIError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, gin.H{
		"success":       result.Success,
		"deployment_id": result.DeploymentID,
		"workflow_id":   result.WorkflowID,
		"triggers":      result.Triggers,
	})
}

// HandleCancel handles POST /api/v1/deployments/:workflow_id/cancel.
func (h *DeploymentHandlers) HandleCancel(c *gin.Context) {
	workflowID := c.Param("workflow_id")

	result, err := h.manager.Cancel(c.Request.Context(), workflowID)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "cancel failed", "workflow_id", workflowID, "error", err, "request_id", GetRequestID(c))
		respondAPIError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"success":             result.Success,
		"runs_cancelled":      result.RunsCancelled,
		"listeners_cancelled": result.ListenersCancelled,
		"crons_cancelled":     result.CronsCancelled,
		"waiters_cancelled":   result.WaitersCancelled,
	})
}

// HandleStatus handles GET /api/v1/deployments/:workflow_id.
func (h *DeploymentHandlers) HandleStatus(c *gin.Context) {
	workflowID := c.Param("workflow_id")

	status, err := h.manager.Status(workflowID)
	if err != nil {
		respondAPIError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"deployment":     status.Deployment,
		"cron_count":     status.CronCount,
		"listener_count": status.ListenerCount,
	})
}

// HandleList handles GET /api/v1/deployments.
func (h *DeploymentHandlers) HandleList(c *gin.Context) {
	respondJSON(c, http.StatusOK, gin.H{"workflow_ids": h.manager.ListDeployments()})
}
