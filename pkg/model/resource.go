package model

// Resource 节点容量提示，provision 时转成 runtime 的资源限制
type Resource struct {
	MilliCPU int64 `json:"milli_cpu" yaml:"milli_cpu"`
	Memory   int64 `json:"memory" yaml:"memory"` // bytes
}

func (r Resource) IsZero() bool {
	return r.MilliCPU == 0 && r.Memory == 0
}
