package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/torlab/internal/model"
)

const defaultCircuitLimit = 100

// CircuitListRequest is the query of GET /circuit_events. since is an
// RFC 3339 time.
type CircuitListRequest struct {
	NetworkID string `form:"network_id"`
	NodeID    string `form:"node_id"`
	CircuitID string `form:"circuit_id"`
	EventType string `form:"event_type"`
	Purpose   string `form:"purpose"`
	Since     string `form:"since"`
	Limit     int    `form:"limit" binding:"gte=0,lte=5000"`
}

// networkID resolves a network id or slug; empty stays empty.
func (s *Server) networkID(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	n, err := s.store.FindNetwork(ctx, ref)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// nodeID resolves a node id or name; empty stays empty.
func (s *Server) nodeID(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	n, err := s.store.FindNode(ctx, ref)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

func (s *Server) circuitListView(c *gin.Context) {
	if s.circuits == nil {
		Fail(http.StatusNotImplemented, "circuit events are not enabled", c)
		return
	}
	cr := GetBind[CircuitListRequest](c)
	ctx := c.Request.Context()

	f := model.CircuitFilter{
		CircuitID: cr.CircuitID,
		Purpose:   cr.Purpose,
	}
	var err error
	if cr.EventType != "" {
		if f.EventType, err = model.ParseCircuitEventType(cr.EventType); err != nil {
			FailWithMsg(err.Error(), c)
			return
		}
	}
	if cr.Since != "" {
		if f.Since, err = time.Parse(time.RFC3339, cr.Since); err != nil {
			FailWithMsg("since must be an RFC 3339 time", c)
			return
		}
	}
	if f.NetworkID, err = s.networkID(ctx, cr.NetworkID); err != nil {
		FailWithError(err, c)
		return
	}
	if f.NodeID, err = s.nodeID(ctx, cr.NodeID); err != nil {
		FailWithError(err, c)
		return
	}

	total, err := s.circuits.Count(ctx, f)
	if err != nil {
		FailWithError(err, c)
		return
	}
	f.Limit = cr.Limit
	if f.Limit == 0 {
		f.Limit = defaultCircuitLimit
	}
	list, err := s.circuits.Query(ctx, f)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithList(list, total, c)
}
