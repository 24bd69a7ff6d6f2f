package api

import "github.com/gin-gonic/gin"

// IDRequest binds the :id path parameter, a record id or a name.
type IDRequest struct {
	ID string `uri:"id" binding:"required"`
}

// NetworkRouters registers the network routes.
func NetworkRouters(r *gin.RouterGroup, s *Server) {
	r.GET("networks", s.networkListView)
	r.POST("networks", BindJsonMiddleware[CreateNetworkRequest], s.networkCreateView)
	r.GET("networks/:id", BindUriMiddleware[IDRequest], s.networkDetailView)
	r.PATCH("networks/:id", BindJsonMiddleware[UpdateNetworkRequest], s.networkUpdateView)
	r.DELETE("networks/:id", BindQueryMiddleware[DeleteNetworkRequest], s.networkRemoveView)
	r.POST("networks/:id/action", BindJsonMiddleware[NetworkActionRequest], s.networkActionView)
	r.GET("networks/:id/nodes", BindUriMiddleware[IDRequest], s.networkNodesView)
	r.GET("networks/:id/status_detail", BindUriMiddleware[IDRequest], s.statusDetailView)
	r.GET("networks/:id/topology", BindUriMiddleware[IDRequest], s.topologyView)
	r.GET("networks/:id/report", BindQueryMiddleware[ReportRequest], s.reportView)
}

// NodeRouters registers the node routes.
func NodeRouters(r *gin.RouterGroup, s *Server) {
	r.GET("nodes/:id", BindUriMiddleware[IDRequest], s.nodeDetailView)
	r.POST("nodes/:id/action", BindJsonMiddleware[NodeActionRequest], s.nodeActionView)
	r.GET("nodes/:id/logs", BindQueryMiddleware[LogsRequest], s.nodeLogsView)
	r.GET("nodes/:id/bandwidth", BindUriMiddleware[IDRequest], s.nodeBandwidthView)
}

// CaptureRouters registers the capture routes.
func CaptureRouters(r *gin.RouterGroup, s *Server) {
	r.GET("captures", BindQueryMiddleware[CaptureListRequest], s.captureListView)
	r.POST("captures", BindJsonMiddleware[CaptureStartRequest], s.captureStartView)
	r.GET("captures/:id", BindUriMiddleware[IDRequest], s.captureDetailView)
	r.POST("captures/:id/stop", BindUriMiddleware[IDRequest], s.captureStopView)
	r.GET("captures/:id/download", BindUriMiddleware[IDRequest], s.captureDownloadView)
	r.DELETE("captures/:id", BindQueryMiddleware[CaptureDeleteRequest], s.captureRemoveView)
}

// CircuitRouters registers the circuit event routes.
func CircuitRouters(r *gin.RouterGroup, s *Server) {
	r.GET("circuit_events", BindQueryMiddleware[CircuitListRequest], s.circuitListView)
}
