package parameter

import (
	"sort"
	"sync"

	"mewp-telemetry/internal/models"
)

// ThresholdSource 当前生效的阈值（报警管理器）
type ThresholdSource interface {
	Threshold(parameterID string) (models.Threshold, bool)
}

// Store 参数最新值缓存，同时负责由遥测信封生成参数快照
type Store struct {
	catalog    *Catalog
	thresholds ThresholdSource

	mu        sync.RWMutex
	latest    map[string]models.ParameterSnapshot
	telemetry *models.Envelope
}

// NewStore 创建参数存储；thresholds 可为 nil（仅使用目录阈值）
func NewStore(catalog *Catalog, thresholds ThresholdSource) *Store {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Store{
		catalog:    catalog,
		thresholds: thresholds,
		latest:     make(map[string]models.ParameterSnapshot),
	}
}

// Build 为遥测信封中的每个参数生成快照（不修改缓存）
func (s *Store) Build(env models.Envelope) []models.ParameterSnapshot {
	payload, ok := env.Payload.(models.TelemetryPayload)
	if !ok {
		return nil
	}

	ids := payload.ParameterIDs()
	snaps := make([]models.ParameterSnapshot, 0, len(ids))
	for _, id := range ids {
		value, _ := payload.Value(id)
		snap := models.ParameterSnapshot{
			ParameterID: id,
			VehicleID:   env.VehicleID,
			Value:       value,
			ObservedAt:  env.Timestamp,
		}
		if def, ok := s.catalog.Get(id); ok {
			snap.Unit = def.Unit
			snap.Category = def.Category
			snap.Thresholds = def.Threshold.Clone()
		}
		if s.thresholds != nil {
			if t, ok := s.thresholds.Threshold(id); ok {
				snap.Thresholds = t
			}
		}
		snap.Status = snap.Thresholds.Status(value)
		snaps = append(snaps, snap)
	}
	return snaps
}

// Update 生成快照并写入缓存
func (s *Store) Update(env models.Envelope) []models.ParameterSnapshot {
	snaps := s.Build(env)
	if len(snaps) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		if prev, ok := s.latest[snap.ParameterID]; ok && prev.ObservedAt.After(snap.ObservedAt) {
			continue
		}
		s.latest[snap.ParameterID] = snap
	}
	if s.telemetry == nil || !s.telemetry.Timestamp.After(env.Timestamp) {
		copied := env
		s.telemetry = &copied
	}
	return snaps
}

// Get 获取参数最新快照
func (s *Store) Get(parameterID string) (models.ParameterSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[parameterID]
	return snap, ok
}

// Latest 返回全部参数最新快照（按 ID 排序）
// 尚未收到遥测的参数使用目录初始值
func (s *Store) Latest() []models.ParameterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ParameterSnapshot, 0, len(s.latest)+s.catalog.Len())
	for _, snap := range s.latest {
		out = append(out, snap)
	}
	for _, def := range s.catalog.Definitions() {
		if _, ok := s.latest[def.ID]; ok {
			continue
		}
		out = append(out, models.ParameterSnapshot{
			ParameterID: def.ID,
			Value:       def.Value,
			Unit:        def.Unit,
			Category:    def.Category,
			Thresholds:  def.Threshold.Clone(),
			Status:      def.Threshold.Status(def.Value),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParameterID < out[j].ParameterID })
	return out
}

// LatestTelemetry 最近一次遥测信封
func (s *Store) LatestTelemetry() (models.Envelope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.telemetry == nil {
		return models.Envelope{}, false
	}
	return *s.telemetry, true
}
