package api

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/torlab/internal/model"
)

const pcapContentType = "application/vnd.tcpdump.pcap"

// CaptureListRequest is the query of GET /captures. Network and node
// accept ids or names.
type CaptureListRequest struct {
	NetworkID      string `form:"network_id"`
	NodeID         string `form:"node_id"`
	Status         string `form:"status"`
	IncludeDeleted bool   `form:"include_deleted"`
}

// CaptureStartRequest is the body of POST /captures.
type CaptureStartRequest struct {
	NodeID string `json:"node_id" binding:"required"`
	Filter string `json:"filter"`
	Type   string `json:"type"`
}

// CaptureDeleteRequest is the query of DELETE /captures/:id.
type CaptureDeleteRequest struct {
	Purge bool `form:"purge"`
}

func (s *Server) capturesEnabled(c *gin.Context) bool {
	if s.captures == nil {
		Fail(http.StatusNotImplemented, "captures are not enabled", c)
		return false
	}
	return true
}

func (s *Server) captureListView(c *gin.Context) {
	if !s.capturesEnabled(c) {
		return
	}
	cr := GetBind[CaptureListRequest](c)
	ctx := c.Request.Context()
	networkID, err := s.networkID(ctx, cr.NetworkID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	nodeID, err := s.nodeID(ctx, cr.NodeID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	list, err := s.captures.List(ctx, model.CaptureFilter{
		NetworkID:      networkID,
		NodeID:         nodeID,
		Status:         model.CaptureStatus(cr.Status),
		IncludeDeleted: cr.IncludeDeleted,
	})
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithList(list, int64(len(list)), c)
}

func (s *Server) captureStartView(c *gin.Context) {
	if !s.capturesEnabled(c) {
		return
	}
	cr := GetBind[CaptureStartRequest](c)
	typ, err := model.ParseCaptureType(cr.Type)
	if err != nil {
		FailWithMsg(err.Error(), c)
		return
	}
	ctx := c.Request.Context()
	node, err := s.store.FindNode(ctx, cr.NodeID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	capt, err := s.captures.Start(ctx, node.ID, cr.Filter, typ)
	if err != nil {
		FailWithError(err, c)
		return
	}
	response(http.StatusCreated, 0, capt, "capture started", c)
}

func (s *Server) captureDetailView(c *gin.Context) {
	cr := GetBind[IDRequest](c)
	capt, err := s.store.GetCapture(c.Request.Context(), cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	OkWithData(capt, c)
}

func (s *Server) captureStopView(c *gin.Context) {
	if !s.capturesEnabled(c) {
		return
	}
	cr := GetBind[IDRequest](c)
	capt, err := s.captures.Stop(c.Request.Context(), cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	Ok(capt, "capture stopped", c)
}

func (s *Server) captureDownloadView(c *gin.Context) {
	if !s.capturesEnabled(c) {
		return
	}
	cr := GetBind[IDRequest](c)
	capt, rc, err := s.captures.Download(c.Request.Context(), cr.ID)
	if err != nil {
		FailWithError(err, c)
		return
	}
	defer rc.Close()

	size := int64(-1)
	if capt.Status != model.CaptureRecording && capt.FileSize > 0 {
		size = capt.FileSize
	}
	headers := map[string]string{
		"Content-Disposition": `attachment; filename="` + filepath.Base(capt.FilePath) + `"`,
	}
	if capt.FileHash != "" {
		headers["X-Capture-SHA256"] = capt.FileHash
	}
	c.DataFromReader(http.StatusOK, size, pcapContentType, rc, headers)
}

func (s *Server) captureRemoveView(c *gin.Context) {
	if !s.capturesEnabled(c) {
		return
	}
	cr := GetBind[CaptureDeleteRequest](c)
	capt, err := s.captures.Delete(c.Request.Context(), c.Param("id"), cr.Purge)
	if err != nil {
		FailWithError(err, c)
		return
	}
	Ok(capt, "capture deleted", c)
}
