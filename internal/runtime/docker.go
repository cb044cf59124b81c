package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ethosfleet/pkg/model"
)

const (
	labelManaged = "ethosfleet.managed"
	labelNode    = "ethosfleet.node"
	mountPoint   = "/gaianet"

	defaultCleanupTimeout = 30 * time.Second
)

// DockerConfig Docker runtime 参数
type DockerConfig struct {
	Host          string // 为空则读取 DOCKER_HOST 等环境变量
	Image         string
	ContainerPort int
	DataDir       string // 每个节点的配置目录 <DataDir>/<name>，挂载到容器 /gaianet
	Network       string
	MigratePath   string // 为空表示迁移为 no-op
	StopTimeout   int    // 秒
}

// DockerAdapter 每个节点对应一个容器，容器端口映射到宿主机随机端口，
// endpoint 就是 "宿主机:端口"
type DockerAdapter struct {
	cli  *client.Client
	cfg  DockerConfig
	host string
	http *http.Client
	log  *zap.SugaredLogger

	mu         sync.Mutex
	containers map[string]string // endpoint -> container id
}

// NewDockerAdapter 初始化 Docker 客户端
func NewDockerAdapter(cfg DockerConfig, log *zap.SugaredLogger) (*DockerAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	if cfg.ContainerPort == 0 {
		cfg.ContainerPort = 8080
	}
	return &DockerAdapter{
		cli:        cli,
		cfg:        cfg,
		host:       daemonHostname(cli.DaemonHost()),
		http:       &http.Client{},
		log:        log,
		containers: make(map[string]string),
	}, nil
}

// Provision 写节点配置 -> 创建容器 -> 启动 -> 读取映射端口
func (d *DockerAdapter) Provision(ctx context.Context, cfg model.NodeConfig) (string, error) {
	// 1. 写节点配置文件
	nodeDir, err := d.writeNodeConfig(cfg)
	if err != nil {
		return "", model.Errorf(model.ErrProvision, "%s: %v", cfg.Name, err)
	}

	// 2. 创建容器
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", d.cfg.ContainerPort))
	hostConfig := &container.HostConfig{
		Binds: []string{nodeDir + ":" + mountPoint + ":rw"},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources: container.Resources{
			NanoCPUs: cfg.Capacity.MilliCPU * 1_000_000,
			Memory:   cfg.Capacity.Memory,
		},
	}
	if d.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        d.cfg.Image,
		Cmd:          []string{"gaianet", "start", "--config", mountPoint + "/config.json"},
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels: map[string]string{
			labelManaged: "true",
			labelNode:    cfg.Name,
		},
	}, hostConfig, nil, nil, containerName(cfg))
	if err != nil {
		return "", model.Errorf(model.ErrProvision, "create container for %s: %v", cfg.Name, err)
	}
	containerID := resp.ID

	// 3. 启动容器，失败要清理掉，不能留下孤儿容器
	if err := d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		d.remove(containerID)
		return "", model.Errorf(model.ErrProvision, "start container %s: %v", shortID(containerID), err)
	}

	// 4. 读取映射后的宿主机端口
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		d.remove(containerID)
		return "", model.Errorf(model.ErrProvision, "inspect container %s: %v", shortID(containerID), err)
	}
	hostPort := ""
	if info.NetworkSettings != nil {
		for _, b := range info.NetworkSettings.Ports[containerPort] {
			if b.HostPort != "" {
				hostPort = b.HostPort
				break
			}
		}
	}
	if hostPort == "" {
		d.remove(containerID)
		return "", model.Errorf(model.ErrProvision, "container %s has no published port", shortID(containerID))
	}

	endpoint := net.JoinHostPort(d.host, hostPort)
	d.mu.Lock()
	d.containers[endpoint] = containerID
	d.mu.Unlock()

	d.log.Infow("container started",
		"node", cfg.Name,
		"container_id", shortID(containerID),
		"endpoint", endpoint)
	return endpoint, nil
}

// Probe GET /health 拿状态，负载取容器 CPU 使用率
func (d *DockerAdapter) Probe(ctx context.Context, endpoint string) (model.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/health", nil)
	if err != nil {
		return model.ProbeResult{}, model.Errorf(model.ErrProbe, "%s: %v", endpoint, err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return model.ProbeResult{}, err
	}
	defer resp.Body.Close()

	var res model.ProbeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return model.ProbeResult{}, model.Errorf(model.ErrProbe, "decode health from %s: %v", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK && res.Status == "" {
		res.Status = fmt.Sprintf("http %d", resp.StatusCode)
	}

	if id, err := d.lookup(ctx, endpoint); err == nil {
		if cpu, err := d.cpuPercent(ctx, id); err == nil {
			res.Load = cpu
		} else {
			d.log.Debugw("container stats unavailable", "endpoint", endpoint, "error", err)
		}
	}
	return res, nil
}

// Migrate 没有配置迁移接口时只记录日志
func (d *DockerAdapter) Migrate(ctx context.Context, source, target string) error {
	if d.cfg.MigratePath == "" {
		d.log.Infow("migration accepted (no-op runtime)", "source", source, "target", target)
		return nil
	}
	body, err := json.Marshal(map[string]string{"target": target})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+source+d.cfg.MigratePath, bytes.NewReader(body))
	if err != nil {
		return model.Errorf(model.ErrMigration, "%s -> %s: %v", source, target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return model.Errorf(model.ErrMigration, "%s -> %s: %v", source, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return model.Errorf(model.ErrMigration, "%s -> %s: http %d", source, target, resp.StatusCode)
	}
	return nil
}

// Terminate 停止并删除容器，容器不存在视为已经停止
func (d *DockerAdapter) Terminate(ctx context.Context, endpoint string) error {
	id, err := d.lookup(ctx, endpoint)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return model.Errorf(model.ErrTerminate, "%s: %v", endpoint, err)
	}

	timeout := d.cfg.StopTimeout
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return model.Errorf(model.ErrTerminate, "stop %s: %v", shortID(id), err)
	}
	err = d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return model.Errorf(model.ErrTerminate, "remove %s: %v", shortID(id), err)
	}

	d.mu.Lock()
	delete(d.containers, endpoint)
	d.mu.Unlock()
	d.log.Infow("container removed", "container_id", shortID(id), "endpoint", endpoint)
	return nil
}

// Instances 按 label 列出受管容器。只返回发布了节点端口的容器，
// 其余 (已退出或没有端口映射) 的直接删除
func (d *DockerAdapter) Instances(ctx context.Context) ([]Instance, error) {
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, errors.Wrap(err, "list managed containers")
	}

	out := make([]Instance, 0, len(list))
	for _, c := range list {
		endpoint := ""
		if c.State == "running" {
			for _, p := range c.Ports {
				if int(p.PrivatePort) == d.cfg.ContainerPort && p.PublicPort != 0 {
					endpoint = net.JoinHostPort(d.host, fmt.Sprint(p.PublicPort))
					break
				}
			}
		}
		if endpoint == "" {
			d.log.Infow("removing unreachable managed container", "container_id", shortID(c.ID), "state", c.State)
			d.remove(c.ID)
			continue
		}

		d.mu.Lock()
		d.containers[endpoint] = c.ID
		d.mu.Unlock()
		out = append(out, Instance{Endpoint: endpoint, Name: c.Labels[labelNode]})
	}
	return out, nil
}

func (d *DockerAdapter) Close() error {
	return d.cli.Close()
}

// lookup 先查本地缓存，控制器重启后缓存为空，再按 label + 端口去 Docker 里找
func (d *DockerAdapter) lookup(ctx context.Context, endpoint string) (string, error) {
	d.mu.Lock()
	id, ok := d.containers[endpoint]
	d.mu.Unlock()
	if ok {
		return id, nil
	}

	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", model.Errorf(model.ErrNotFound, "bad endpoint %q", endpoint)
	}
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return "", err
	}
	for _, c := range list {
		for _, p := range c.Ports {
			if fmt.Sprint(p.PublicPort) == port && int(p.PrivatePort) == d.cfg.ContainerPort {
				d.mu.Lock()
				d.containers[endpoint] = c.ID
				d.mu.Unlock()
				return c.ID, nil
			}
		}
	}
	return "", model.Errorf(model.ErrNotFound, "no container behind %s", endpoint)
}

func (d *DockerAdapter) cpuPercent(ctx context.Context, id string) (float64, error) {
	stats, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return 0, err
	}
	defer stats.Body.Close()

	var s types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&s); err != nil {
		return 0, err
	}
	return cpuPercent(s.Stats), nil
}

// cpuPercent 与 docker stats 的算法一致：容器 CPU 增量 / 系统 CPU 增量 * 核数
func cpuPercent(s types.Stats) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

func (d *DockerAdapter) writeNodeConfig(cfg model.NodeConfig) (string, error) {
	dir, err := filepath.Abs(filepath.Join(d.cfg.DataDir, cfg.Name))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	doc := cfg.Params
	if doc == nil {
		doc = map[string]interface{}{}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return dir, os.WriteFile(filepath.Join(dir, "config.json"), b, 0o644)
}

func (d *DockerAdapter) remove(id string) {
	// 用独立的 ctx：provision 的 ctx 可能已经超时
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupTimeout)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		d.log.Warnw("failed to clean up container", "container_id", shortID(id), "error", err)
	}
}

// daemonHostname unix socket 说明 daemon 在本机
func daemonHostname(daemonHost string) string {
	if daemonHost == "" || strings.HasPrefix(daemonHost, "unix://") || strings.HasPrefix(daemonHost, "npipe://") {
		return "127.0.0.1"
	}
	u, err := url.Parse(daemonHost)
	if err != nil || u.Hostname() == "" {
		return "127.0.0.1"
	}
	return u.Hostname()
}

// containerName 加上 id 片段，避免替换节点和旧容器重名
func containerName(cfg model.NodeConfig) string {
	name := strings.ToLower(strings.ReplaceAll(cfg.Name, "_", "-"))
	return name + "-" + uuid.NewString()[:8]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
