package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ethosfleet/pkg/model"
)

// Agent 参考节点进程：fleet-node 容器里跑的就是它。
// /health 报告状态和当前负载 (进行中的请求数)，/migrate 接收迁移指令
type Agent struct {
	Name string

	addr     string
	log      *zap.SugaredLogger
	inflight atomic.Int64
	healthy  atomic.Bool

	mu         sync.Mutex
	migrations []MigrationRequest
}

// MigrationRequest /migrate 的请求体
type MigrationRequest struct {
	Target     string    `json:"target" binding:"required"`
	ReceivedAt time.Time `json:"received_at"`
}

func NewAgent(name, addr string, log *zap.SugaredLogger) *Agent {
	a := &Agent{Name: name, addr: addr, log: log}
	a.healthy.Store(true)
	return a
}

// Handler 路由
func (a *Agent) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", a.health)

	// 以下请求计入负载
	work := r.Group("/", a.track)
	work.POST("/work", a.work)
	work.POST("/migrate", a.migrate)

	r.PUT("/admin/healthy", a.setHealthy)
	return r
}

// Run 启动 HTTP 服务，ctx 取消后优雅退出
func (a *Agent) Run(ctx context.Context) error {
	srv := &http.Server{Addr: a.addr, Handler: a.Handler()}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infow("node agent listening", "name", a.Name, "addr", a.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "node agent")
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.log.Info("shutting down node agent")
	return srv.Shutdown(shutCtx)
}

func (a *Agent) track(c *gin.Context) {
	a.inflight.Add(1)
	defer a.inflight.Add(-1)
	c.Next()
}

func (a *Agent) health(c *gin.Context) {
	status := model.StatusOK
	code := http.StatusOK
	if !a.healthy.Load() {
		status = "error"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, model.ProbeResult{Status: status, Load: float64(a.inflight.Load())})
}

// work 模拟一段耗时的推理请求，?ms= 指定耗时
func (a *Agent) work(c *gin.Context) {
	ms, err := strconv.Atoi(c.DefaultQuery("ms", "100"))
	if err != nil || ms < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ms must be a non-negative integer"})
		return
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		c.JSON(http.StatusOK, gin.H{"node": a.Name, "took_ms": ms})
	case <-c.Request.Context().Done():
		c.Status(http.StatusRequestTimeout)
	}
}

func (a *Agent) migrate(c *gin.Context) {
	var req MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ReceivedAt = time.Now()

	a.mu.Lock()
	a.migrations = append(a.migrations, req)
	a.mu.Unlock()

	a.log.Infow("migration directive received", "node", a.Name, "target", req.Target)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "target": req.Target})
}

func (a *Agent) setHealthy(c *gin.Context) {
	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.healthy.Store(body.Healthy)
	a.log.Infow("health override", "node", a.Name, "healthy", body.Healthy)
	c.JSON(http.StatusOK, gin.H{"healthy": body.Healthy})
}

// Migrations 收到过的迁移指令
func (a *Agent) Migrations() []MigrationRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]MigrationRequest, len(a.migrations))
	copy(out, a.migrations)
	return out
}

// NameFromConfig 从控制器写入的 config.json 里读取 node_name
func NameFromConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read node config")
	}
	var doc struct {
		NodeName string `json:"node_name"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", errors.Wrapf(err, "parse node config %s", path)
	}
	if doc.NodeName == "" {
		return "", errors.Errorf("node_name missing in %s", path)
	}
	return doc.NodeName, nil
}
