package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ttheew/symphony/pkg/storage"
	"github.com/ttheew/symphony/pkg/types"
)

// CreateDeploymentRequest is the user-settable subset of a deployment.
type CreateDeploymentRequest struct {
	Name             string               `json:"name"`
	Kind             types.DeployKind     `json:"kind"`
	NodeGroup        string               `json:"node_group"`
	CapacityRequests types.CapacityVector `json:"capacity_requests"`
	Specification    types.Specification  `json:"specification"`
	DesiredState     types.DesiredState   `json:"desired_state"`
}

func (s *Server) createDeployment(c *gin.Context) {
	var req CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if req.Kind == "" {
		req.Kind = types.KindExec
	}
	if req.DesiredState == "" {
		req.DesiredState = types.DesiredRunning
	}
	if err := validateDeployment(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := s.opts.Store.Create(&types.Deployment{
		Name:             req.Name,
		Kind:             req.Kind,
		NodeGroup:        req.NodeGroup,
		CapacityRequests: req.CapacityRequests,
		Specification:    req.Specification,
		DesiredState:     req.DesiredState,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNameConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.opts.Enqueue(d.ID)
	c.JSON(http.StatusCreated, d)
}

func validateDeployment(req *CreateDeploymentRequest) error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.NodeGroup == "" {
		return errors.New("node_group is required")
	}
	if req.Kind != types.KindExec && req.Kind != types.KindDocker {
		return errors.New("kind must be EXEC or DOCKER")
	}
	if req.DesiredState != types.DesiredRunning && req.DesiredState != types.DesiredStopped {
		return errors.New("desired_state must be RUNNING or STOPPED")
	}
	if req.Kind == types.KindExec && len(req.Specification.Command) == 0 {
		return errors.New("specification.command is required for EXEC deployments")
	}
	for label, amount := range req.CapacityRequests {
		if amount <= 0 {
			return errors.New("capacity request for " + label + " must be a positive integer")
		}
	}
	if rp := req.Specification.RestartPolicy; rp != nil {
		if rp.Type != "never" && rp.Type != "on-failure" {
			return errors.New(`restart_policy.type must be "never" or "on-failure"`)
		}
	}
	return nil
}

func (s *Server) listDeployments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	deployments, err := s.opts.Store.List(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments})
}

func (s *Server) getDeployment(c *gin.Context) {
	d, err := s.opts.Store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if d.Deleted {
		c.JSON(http.StatusGone, gin.H{"error": "deployment is deleted"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) patchDeployment(c *gin.Context) {
	var patch types.DeploymentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if patch.Name != nil && *patch.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
		return
	}
	if patch.DesiredState != nil &&
		*patch.DesiredState != types.DesiredRunning && *patch.DesiredState != types.DesiredStopped {
		c.JSON(http.StatusBadRequest, gin.H{"error": "desired_state must be RUNNING or STOPPED"})
		return
	}

	d, err := s.opts.Store.Update(c.Param("id"), patch)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrDeleted):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrNameConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	s.opts.Enqueue(d.ID)
	c.JSON(http.StatusOK, d)
}

func (s *Server) deleteDeployment(c *gin.Context) {
	id := c.Param("id")
	if err := s.opts.Store.Delete(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.opts.Enqueue(id)
	c.JSON(http.StatusAccepted, gin.H{"status": "deleting"})
}

// NodeView is one node in the nodes listing, with capacity accounting and
// the deployments placed on it.
type NodeView struct {
	types.NodeInfo
	CapacityReserved    types.CapacityVector `json:"capacity_reserved"`
	CapacityAvailable   types.CapacityVector `json:"capacity_available"`
	AssignedDeployments []string             `json:"assigned_deployments,omitempty"`
}

func (s *Server) nodeViews() []NodeView {
	snapshot := s.opts.Registry.Snapshot()
	nodes := make([]NodeView, 0, len(snapshot))
	for _, info := range snapshot {
		view := NodeView{NodeInfo: info}
		if reserved, err := s.opts.Ledger.Reserved(info.NodeID); err == nil {
			view.CapacityReserved = reserved
		}
		if available, err := s.opts.Ledger.Available(info.NodeID); err == nil {
			view.CapacityAvailable = available
		}
		if s.opts.AssignedTo != nil {
			view.AssignedDeployments = s.opts.AssignedTo(info.NodeID)
		}
		nodes = append(nodes, view)
	}
	return nodes
}

func (s *Server) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.nodeViews()})
}

// StateSnapshot is the full cluster view pushed on the state stream.
type StateSnapshot struct {
	Deployments []*types.Deployment `json:"deployments"`
	Nodes       []NodeView          `json:"nodes"`
}

func (s *Server) snapshot() (*StateSnapshot, error) {
	deployments, err := s.opts.Store.List(0, 0)
	if err != nil {
		return nil, err
	}
	return &StateSnapshot{Deployments: deployments, Nodes: s.nodeViews()}, nil
}

// streamState pushes the full deployments+nodes view once on connect and
// again after every cluster event, for live UIs.
func (s *Server) streamState(c *gin.Context) {
	sub := s.opts.Broker.Subscribe()
	defer s.opts.Broker.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	if snap, err := s.snapshot(); err == nil {
		c.SSEvent("state", snap)
		c.Writer.Flush()
	}
	c.Stream(func(w io.Writer) bool {
		select {
		case _, ok := <-sub:
			if !ok {
				return false
			}
			snap, err := s.snapshot()
			if err != nil {
				return false
			}
			c.SSEvent("state", snap)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) streamLogs(c *gin.Context) {
	id := c.Param("id")
	tail, _ := strconv.Atoi(c.DefaultQuery("tail", "100"))

	if _, err := s.opts.Store.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	}

	stream, err := s.opts.SubscribeLogs(id, tail)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	defer stream.Cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case entry, ok := <-stream.Entries():
			if !ok {
				return false
			}
			c.SSEvent("log", entry)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) streamEvents(c *gin.Context) {
	sub := s.opts.Broker.Subscribe()
	defer s.opts.Broker.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
