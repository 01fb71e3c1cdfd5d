package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"leafclient/backend/domain"
)

// SchemaVersion 当前状态文件版本
const SchemaVersion = "1.0.0"

// Migrator 版本校验器（仅接受当前 schemaVersion）
type Migrator struct{}

// NewMigrator 创建校验器
func NewMigrator() *Migrator {
	return &Migrator{}
}

// Migrate 解析并校验版本
func (m *Migrator) Migrate(data []byte) (domain.ClientState, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.ClientState{SchemaVersion: SchemaVersion}, nil
	}

	var meta struct {
		SchemaVersion string          `json:"schemaVersion,omitempty"`
		Preferences   json.RawMessage `json:"preferences,omitempty"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.ClientState{}, fmt.Errorf("failed to parse state: %w", err)
	}

	if meta.SchemaVersion == "" && meta.Preferences == nil {
		// 早期版本直接把偏好对象写在顶层
		var prefs domain.Preferences
		if err := json.Unmarshal(data, &prefs); err != nil {
			return domain.ClientState{}, fmt.Errorf("failed to parse legacy preferences: %w", err)
		}
		return domain.ClientState{
			SchemaVersion: SchemaVersion,
			Preferences:   prefs,
			GeneratedAt:   time.Now(),
		}, nil
	}

	switch meta.SchemaVersion {
	case SchemaVersion, "":
		var state domain.ClientState
		if err := json.Unmarshal(data, &state); err != nil {
			return domain.ClientState{}, fmt.Errorf("failed to parse state: %w", err)
		}
		state.SchemaVersion = SchemaVersion
		return state, nil
	default:
		return domain.ClientState{}, fmt.Errorf("unsupported schemaVersion %s (expected %s)", meta.SchemaVersion, SchemaVersion)
	}
}
