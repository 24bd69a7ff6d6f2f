package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/runtime"
	"github.com/nao1215/torlab/internal/tor"
)

const defaultLogTail = 100

// NodeActionRequest is the body of POST /nodes/:id/action.
type NodeActionRequest struct {
	Action string `json:"action" binding:"required"`
}

// LogsRequest is the query of GET /nodes/:id/logs.
type LogsRequest struct {
	Tail int `form:"tail" binding:"gte=0,lte=10000"`
}

// NodeLogs is the answer of GET /nodes/:id/logs.
type NodeLogs struct {
	NodeID string   `json:"node_id"`
	Name   string   `json:"name"`
	Lines  []string `json:"lines"`
}

// NodeBandwidth is the answer of GET /nodes/:id/bandwidth. Stored holds
// the counters of the last status pass; Live is read from the control
// port of a running node.
type NodeBandwidth struct {
	NodeID          string         `json:"node_id"`
	Name            string         `json:"name"`
	Stored          tor.Bandwidth  `json:"stored"`
	CircuitsActive  int            `json:"circuits_active"`
	CircuitsCreated int64          `json:"circuits_created"`
	Live            *tor.Bandwidth `json:"live,omitempty"`
	LiveError       string         `json:"live_error,omitempty"`
}

func (s *Server) nodeDetailView(c *gin.Context) {
	cr := GetBind[IDRequest](c)
	n, err := s.store.FindNode(c.Request.Context(), cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithData(n, c)
}

func (s *Server) nodeActionView(c *gin.Context) {
	cr := GetBind[NodeActionRequest](c)
	action, err := controller.ParseAction(cr.Action)
	if err != nil {
		FailWithError(err, c)
		return
	}
	actionView(s.ctrl.NodeAction(c.Request.Context(), c.Param("id"), action), c)
}

func (s *Server) nodeLogsView(c *gin.Context) {
	if s.rt == nil {
		Fail(http.StatusNotImplemented, "node logs are not enabled", c)
		return
	}
	cr := GetBind[LogsRequest](c)
	if cr.Tail == 0 {
		cr.Tail = defaultLogTail
	}
	ctx := c.Request.Context()
	node, err := s.store.FindNode(ctx, c.Param("id"))
	if err != nil {
		FailWithError(err, c)
		return
	}
	network, err := s.store.GetNetwork(ctx, node.NetworkID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	lines, err := s.rt.Logs(ctx, runtime.UnitName(network.Slug, node.Name), cr.Tail)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithData(NodeLogs{NodeID: node.ID, Name: node.Name, Lines: lines}, c)
}

func (s *Server) nodeBandwidthView(c *gin.Context) {
	cr := GetBind[IDRequest](c)
	ctx := c.Request.Context()
	node, err := s.store.FindNode(ctx, cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	bw := NodeBandwidth{
		NodeID: node.ID,
		Name:   node.Name,
		Stored: tor.Bandwidth{
			BytesRead:    node.BytesRead,
			BytesWritten: node.BytesWritten,
			Rate:         node.BandwidthRate,
			Burst:        node.BandwidthBurst,
		},
		CircuitsActive:  node.CircuitsActive,
		CircuitsCreated: node.CircuitsCreated,
	}
	if s.bandwidth != nil && node.IsRunning() {
		network, err := s.store.GetNetwork(ctx, node.NetworkID)
		if err != nil {
			FailWithError(err, c)
			return
		}
		live, err := s.bandwidth(ctx, network, node)
		if err != nil {
			GetLog(c).Warn("failed to read live bandwidth", "node", node.Name, "error", err)
			bw.LiveError = err.Error()
		} else {
			bw.Live = &live
		}
	}
	OkWithData(bw, c)
}
