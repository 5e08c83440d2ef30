package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"mewp-telemetry/internal/models"

	"go.uber.org/zap"
)

const (
	defaultTimeRange = "24h"
	defaultInterval  = "1h"
	maxHistoryPoints = 2000
)

// HistoryQuery request-historical-data 参数
type HistoryQuery struct {
	Parameter string `json:"parameter"`
	VehicleID string `json:"vehicleId,omitempty"`
	TimeRange string `json:"timeRange"`
	Interval  string `json:"interval"`
}

// HistoryResult 历史数据响应
type HistoryResult struct {
	Parameter string                   `json:"parameter"`
	TimeRange string                   `json:"timeRange"`
	Interval  string                   `json:"interval"`
	Data      []models.HistoricalPoint `json:"data"`
	Source    string                   `json:"source"`
	Timestamp time.Time                `json:"timestamp"`
}

// HistoryProvider 历史数据查询
type HistoryProvider interface {
	History(ctx context.Context, q HistoryQuery) (HistoryResult, error)
}

// Normalize 校验查询参数并补默认值，返回时间范围和间隔
func (q *HistoryQuery) Normalize() (time.Duration, time.Duration, error) {
	q.Parameter = strings.TrimSpace(q.Parameter)
	if q.Parameter == "" {
		return 0, 0, fmt.Errorf("%w: parameter is required", models.ErrValidation)
	}
	if q.TimeRange == "" {
		q.TimeRange = defaultTimeRange
	}
	if q.Interval == "" {
		q.Interval = defaultInterval
	}

	rng, err := ParseSpan(q.TimeRange)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: timeRange: %v", models.ErrValidation, err)
	}
	step, err := ParseSpan(q.Interval)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: interval: %v", models.ErrValidation, err)
	}
	if step > rng {
		return 0, 0, fmt.Errorf("%w: interval larger than timeRange", models.ErrValidation)
	}
	if rng/step > maxHistoryPoints {
		return 0, 0, fmt.Errorf("%w: too many points requested", models.ErrValidation)
	}
	return rng, step, nil
}

// ParseSpan 解析 "30m"、"24h"、"7d" 形式的时间跨度
func ParseSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid span %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid span %q", s)
	}
	return d, nil
}

// PostgresHistory 从 mewp_telemetry 表按时间桶聚合查询
type PostgresHistory struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresHistory 创建 Postgres 历史查询
func NewPostgresHistory(db *sql.DB, logger *zap.Logger) *PostgresHistory {
	return &PostgresHistory{db: db, logger: logger, now: time.Now}
}

// History 查询参数历史（每个时间桶取平均值）
func (r *PostgresHistory) History(ctx context.Context, q HistoryQuery) (HistoryResult, error) {
	rng, step, err := q.Normalize()
	if err != nil {
		return HistoryResult{}, err
	}
	now := r.now().UTC()
	since := now.Add(-rng)

	query := `
		SELECT
			to_timestamp(floor(extract(epoch FROM observed_at) / $4) * $4) AS bucket,
			avg(value) AS value
		FROM mewp_telemetry
		WHERE parameter_id = $1
		  AND ($2 = '' OR vehicle_id = $2)
		  AND observed_at >= $3
		GROUP BY bucket
		ORDER BY bucket ASC
	`

	rows, err := r.db.QueryContext(ctx, query, q.Parameter, q.VehicleID, since, int64(step.Seconds()))
	if err != nil {
		return HistoryResult{}, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	points := make([]models.HistoricalPoint, 0, int(rng/step)+1)
	for rows.Next() {
		var p models.HistoricalPoint
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return HistoryResult{}, fmt.Errorf("failed to scan history row: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		p.Value = round2(p.Value)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, fmt.Errorf("failed to iterate history rows: %w", err)
	}

	return HistoryResult{
		Parameter: q.Parameter,
		TimeRange: q.TimeRange,
		Interval:  q.Interval,
		Data:      points,
		Source:    "store",
		Timestamp: now,
	}, nil
}

// SyntheticHistory 生成模拟历史数据（未接入时序库时使用）
type SyntheticHistory struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewSyntheticHistory 创建模拟历史数据源
func NewSyntheticHistory(src rand.Source) *SyntheticHistory {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &SyntheticHistory{rnd: rand.New(src), now: time.Now}
}

// 参数取值范围 [base, base+spread)
var syntheticRanges = map[string][2]float64{
	"engineRpm":         {1800, 400},
	"engineTemperature": {80, 20},
	"hydraulicPressure": {2700, 400},
	"oilPressure":       {40, 15},
	"batteryMonitor":    {70, 30},
}

// History 生成 range/interval+1 个点，最后一个点为当前时间
func (s *SyntheticHistory) History(ctx context.Context, q HistoryQuery) (HistoryResult, error) {
	rng, step, err := q.Normalize()
	if err != nil {
		return HistoryResult{}, err
	}
	now := s.now().UTC()

	bounds, ok := syntheticRanges[q.Parameter]
	if !ok {
		bounds = [2]float64{0, 100}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := int(rng / step)
	points := make([]models.HistoricalPoint, 0, n+1)
	for i := n; i >= 0; i-- {
		points = append(points, models.HistoricalPoint{
			Timestamp: now.Add(-time.Duration(i) * step),
			Value:     round2(bounds[0] + s.rnd.Float64()*bounds[1]),
		})
	}

	return HistoryResult{
		Parameter: q.Parameter,
		TimeRange: q.TimeRange,
		Interval:  q.Interval,
		Data:      points,
		Source:    "synthetic",
		Timestamp: now,
	}, nil
}

// FallbackHistory 优先查询 primary，失败时使用 fallback
// 参数校验错误直接返回，不回退
type FallbackHistory struct {
	primary  HistoryProvider
	fallback HistoryProvider
	logger   *zap.Logger
}

// NewFallbackHistory 创建带回退的历史查询
func NewFallbackHistory(primary, fallback HistoryProvider, logger *zap.Logger) *FallbackHistory {
	return &FallbackHistory{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackHistory) History(ctx context.Context, q HistoryQuery) (HistoryResult, error) {
	if f.primary != nil {
		res, err := f.primary.History(ctx, q)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, models.ErrValidation) {
			return HistoryResult{}, err
		}
		f.logger.Warn("History store unavailable, using synthetic series",
			zap.String("parameter", q.Parameter),
			zap.Error(err),
		)
	}
	return f.fallback.History(ctx, q)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
