package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reading 单个参数采样（mewp_telemetry 一行）
type Reading struct {
	VehicleID   string
	ParameterID string
	Value       float64
	ObservedAt  time.Time
}

// PostgresReadings 写入 mewp_telemetry，PostgresHistory 从同一张表查询
type PostgresReadings struct {
	db *sql.DB
}

// NewPostgresReadings 创建采样写入器
func NewPostgresReadings(db *sql.DB) *PostgresReadings {
	return &PostgresReadings{db: db}
}

// Insert 在一个事务内写入一批采样
func (r *PostgresReadings) Insert(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mewp_telemetry (vehicle_id, parameter_id, value, observed_at)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rd := range readings {
		if _, err := stmt.ExecContext(ctx, rd.VehicleID, rd.ParameterID, rd.Value, rd.ObservedAt.UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert reading %s: %w", rd.ParameterID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit readings: %w", err)
	}
	return nil
}
