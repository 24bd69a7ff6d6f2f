package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/report"
)

// CreateNetworkRequest defines a new network.
type CreateNetworkRequest struct {
	controller.CreateRequest
}

// UpdateNetworkRequest changes the editable fields of a network.
type UpdateNetworkRequest struct {
	Description *string `json:"description"`
}

// DeleteNetworkRequest is the query of DELETE /networks/:id.
type DeleteNetworkRequest struct {
	RemoveVolumes bool `form:"remove_volumes"`
}

// NetworkActionRequest is the body of POST /networks/:id/action.
type NetworkActionRequest struct {
	Action        string `json:"action" binding:"required"`
	RemoveVolumes bool   `json:"remove_volumes"`
}

// ReportRequest is the query of GET /networks/:id/report.
type ReportRequest struct {
	Format string `form:"format"`
}

// NetworkDetail is a network with its nodes.
type NetworkDetail struct {
	Network *model.TorNetwork `json:"network"`
	Nodes   []*model.TorNode  `json:"nodes"`
}

// actionView renders an action result. Failed actions keep the result as
// data so clients see the current status.
func actionView(res controller.ActionResult, c *gin.Context) {
	if !res.OK {
		FailWithData(res.Err, res, c)
		return
	}
	Ok(res, res.Message, c)
}

func (s *Server) networkListView(c *gin.Context) {
	list, err := s.store.ListNetworks(c.Request.Context())
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithList(list, int64(len(list)), c)
}

func (s *Server) networkCreateView(c *gin.Context) {
	cr := GetBind[CreateNetworkRequest](c)
	n, err := s.ctrl.Create(c.Request.Context(), cr.CreateRequest)
	if err != nil {
		FailWithError(err, c)
		return
	}
	response(http.StatusCreated, 0, n, "network created", c)
}

func (s *Server) networkDetailView(c *gin.Context) {
	cr := GetBind[IDRequest](c)
	ctx := c.Request.Context()
	n, err := s.store.FindNetwork(ctx, cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	nodes, err := s.store.ListNodes(ctx, n.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithData(NetworkDetail{Network: n, Nodes: nodes}, c)
}

func (s *Server) networkUpdateView(c *gin.Context) {
	cr := GetBind[UpdateNetworkRequest](c)
	ctx := c.Request.Context()
	n, err := s.store.FindNetwork(ctx, c.Param("id"))
	if err != nil {
		FailWithError(err, c)
		return
	}
	if cr.Description == nil {
		OkWithData(n, c)
		return
	}
	n, err = s.store.MutateNetwork(ctx, n.ID, func(cur *model.TorNetwork) error {
		cur.Description = strings.TrimSpace(*cr.Description)
		return nil
	})
	if err != nil {
		FailWithError(err, c)
		return
	}
	Ok(n, "network updated", c)
}

func (s *Server) networkRemoveView(c *gin.Context) {
	cr := GetBind[DeleteNetworkRequest](c)
	actionView(s.ctrl.NetworkAction(c.Request.Context(), c.Param("id"), controller.ActionRequest{
		Action:        controller.ActionDelete,
		RemoveVolumes: cr.RemoveVolumes,
	}), c)
}

func (s *Server) networkActionView(c *gin.Context) {
	cr := GetBind[NetworkActionRequest](c)
	action, err := controller.ParseAction(cr.Action)
	if err != nil {
		FailWithError(err, c)
		return
	}
	actionView(s.ctrl.NetworkAction(c.Request.Context(), c.Param("id"), controller.ActionRequest{
		Action:        action,
		RemoveVolumes: cr.RemoveVolumes,
	}), c)
}

func (s *Server) networkNodesView(c *gin.Context) {
	cr := GetBind[IDRequest](c)
	ctx := c.Request.Context()
	n, err := s.store.FindNetwork(ctx, cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	nodes, err := s.store.ListNodes(ctx, n.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithList(nodes, int64(len(nodes)), c)
}

func (s *Server) statusDetailView(c *gin.Context) {
	cr := GetBind[IDRequest](c)
	d, err := s.ctrl.StatusDetail(c.Request.Context(), cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithData(d, c)
}

func (s *Server) topologyView(c *gin.Context) {
	cr := GetBind[IDRequest](c)
	t, err := s.ctrl.Topology(c.Request.Context(), cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithData(t, c)
}

func (s *Server) reportView(c *gin.Context) {
	if s.reports == nil {
		Fail(http.StatusNotImplemented, "reports are not enabled", c)
		return
	}
	cr := GetBind[ReportRequest](c)
	format := report.Format(cr.Format)
	switch format {
	case "":
		format = report.FormatJSON
	case report.FormatText, report.FormatMarkdown, report.FormatJSON:
	default:
		FailWithMsg("unknown report format "+cr.Format, c)
		return
	}

	r, err := s.reports.Collect(c.Request.Context(), c.Param("id"))
	if err != nil {
		FailWithError(err, c)
		return
	}
	var buf bytes.Buffer
	if _, err := report.NewWriter(format, &buf).Write(r); err != nil {
		FailWithError(err, c)
		return
	}
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}
