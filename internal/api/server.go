package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ethosfleet/internal/scaler"
	"ethosfleet/pkg/model"
)

// Fleet 管理接口需要的控制器能力
type Fleet interface {
	ListNodes() []model.NodeStatus
	GetNode(id string) (model.Node, error)
	ScaleTo(target int) error
	Migrations() []model.Migration
	Status() scaler.Status
	Counts() map[model.NodeState]int
}

// StatusResponse GET /api/v1/status
type StatusResponse struct {
	scaler.Status
	Nodes map[string]int `json:"nodes"`
}

// ScaleRequest POST /api/v1/scale
type ScaleRequest struct {
	Target *int `json:"target" binding:"required"`
}

// Server 管理 HTTP 接口
type Server struct {
	fleet   Fleet
	metrics http.Handler
	log     *zap.SugaredLogger
	srv     *http.Server
}

// NewServer metrics 为 nil 时不挂 /metrics
func NewServer(addr string, fleet Fleet, metrics http.Handler, log *zap.SugaredLogger) *Server {
	s := &Server{fleet: fleet, metrics: metrics, log: log}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/nodes", s.listNodes)
	v1.GET("/nodes/:id", s.getNode)
	v1.POST("/scale", s.scale)
	v1.GET("/migrations", s.migrations)
	v1.GET("/status", s.status)
	return r
}

// Start 监听端口并在后台提供服务。端口占用等错误同步返回
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.srv.Addr)
	}
	s.log.Infow("admin api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("admin api stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Wrap(s.srv.Shutdown(ctx), "shutdown admin api")
}

func (s *Server) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.fleet.ListNodes()})
}

func (s *Server) getNode(c *gin.Context) {
	node, err := s.fleet.GetNode(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) scale(c *gin.Context) {
	var req ScaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.fleet.ScaleTo(*req.Target); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, model.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	s.log.Infow("scale requested", "target", *req.Target, "remote", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"target": *req.Target})
}

func (s *Server) migrations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"migrations": s.fleet.Migrations()})
}

func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{Status: s.fleet.Status(), Nodes: map[string]int{}}
	for st, n := range s.fleet.Counts() {
		resp.Nodes[st.String()] = n
	}
	c.JSON(http.StatusOK, resp)
}

// abort 把分类错误映射成 HTTP 状态码
func abort(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
