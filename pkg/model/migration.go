package model

import "time"

type MigrationState int

const (
	MigrationPending   MigrationState = iota // 指令已下发，runtime 尚未回报
	MigrationSucceeded                       // runtime 回报成功
	MigrationFailed                          // runtime 回报失败 (不会自动重试)
)

func (s MigrationState) String() string {
	switch s {
	case MigrationPending:
		return "Pending"
	case MigrationSucceeded:
		return "Succeeded"
	case MigrationFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s MigrationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *MigrationState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Pending":
		*s = MigrationPending
	case "Succeeded":
		*s = MigrationSucceeded
	case "Failed":
		*s = MigrationFailed
	default:
		*s = MigrationPending
	}
	return nil
}

// Migration 负载迁移指令：把 Source 的负载挪一部分到 Target
// 真正的迁移由 runtime adapter 实现，这里只记录指令和结果
type Migration struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`

	SourceLoad float64 `json:"source_load"`
	TargetLoad float64 `json:"target_load"`
	MeanLoad   float64 `json:"mean_load"`

	Status struct {
		State      MigrationState `json:"state"`
		Error      string         `json:"error,omitempty"`
		IssuedAt   time.Time      `json:"issued_at"`
		FinishedAt time.Time      `json:"finished_at,omitempty"`
	} `json:"status"`
}
