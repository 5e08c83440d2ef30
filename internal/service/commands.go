package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/repository"
	"mewp-telemetry/internal/ws"
)

// 入站控制命令
const (
	CmdSubscribe        = "subscribe"
	CmdUnsubscribe      = "unsubscribe"
	CmdAuthenticate     = "authenticate"
	CmdCurrentStatus    = "request-current-status"
	CmdHistoricalData   = "request-historical-data"
	CmdAcknowledgeAlert = "acknowledge-alert"
	CmdUpdateThreshold  = "update-threshold"
	CmdPing             = "ping"
)

// errUnknownCommand 未知事件名
var errUnknownCommand = errors.New("unknown command")

// SubscribeCommand subscribe / unsubscribe
type SubscribeCommand struct {
	Topics []string `json:"topics"`
}

// UnsubscribeCommand unsubscribe
type UnsubscribeCommand SubscribeCommand

// AuthenticateCommand authenticate
type AuthenticateCommand struct {
	models.Credentials
}

// CurrentStatusCommand request-current-status
type CurrentStatusCommand struct{}

// HistoricalDataCommand request-historical-data
type HistoricalDataCommand struct {
	repository.HistoryQuery
}

// AcknowledgeCommand acknowledge-alert
// actor 兼容 userId 字段
type AcknowledgeCommand struct {
	AlertID string `json:"alertId"`
	Actor   string `json:"actor"`
	UserID  string `json:"userId"`
}

// UpdateThresholdCommand update-threshold
type UpdateThresholdCommand struct {
	Parameter string          `json:"parameter"`
	Threshold json.RawMessage `json:"threshold"`
	Actor     string          `json:"actor"`
	UserID    string          `json:"userId"`
}

// PingCommand ping
type PingCommand struct{}

// parseCommand 按事件名解码为具体命令类型
func parseCommand(cmd ws.Command) (interface{}, error) {
	var out interface{}
	switch cmd.Event {
	case CmdSubscribe:
		out = &SubscribeCommand{}
	case CmdUnsubscribe:
		out = &UnsubscribeCommand{}
	case CmdAuthenticate:
		out = &AuthenticateCommand{}
	case CmdCurrentStatus:
		return &CurrentStatusCommand{}, nil
	case CmdHistoricalData:
		out = &HistoricalDataCommand{}
	case CmdAcknowledgeAlert:
		out = &AcknowledgeCommand{}
	case CmdUpdateThreshold:
		out = &UpdateThresholdCommand{}
	case CmdPing:
		return &PingCommand{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownCommand, cmd.Event)
	}

	if len(cmd.Data) == 0 || string(cmd.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(cmd.Data, out); err != nil {
		return nil, fmt.Errorf("%w: invalid %s payload: %v", models.ErrValidation, cmd.Event, err)
	}
	return out, nil
}

func (c *AcknowledgeCommand) actor() string {
	if c.Actor != "" {
		return c.Actor
	}
	return c.UserID
}

func (c *UpdateThresholdCommand) actor() string {
	if c.Actor != "" {
		return c.Actor
	}
	return c.UserID
}
