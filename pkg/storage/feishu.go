package storage

import (
	"context"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	pkgerrors "github.com/pkg/errors"

	updateagent "github.com/sevensense-robotics/UpdateAgent"
	"github.com/sevensense-robotics/UpdateAgent/internal/config"
)

// Environment variables wiring the Feishu journal sink.
const (
	EnvFeishuAppID     = "FEISHU_APP_ID"
	EnvFeishuAppSecret = "FEISHU_APP_SECRET"
	EnvUpdateAppToken  = "UPDATE_BITABLE_APP_TOKEN"
	EnvUpdateTableID   = "UPDATE_BITABLE_TABLE_ID"
)

const feishuRequestTimeout = 30 * time.Second

// FeishuSinkConfig identifies the bitable that receives one row per update
// attempt.
type FeishuSinkConfig struct {
	AppID     string
	AppSecret string
	AppToken  string
	TableID   string
}

// FeishuSinkConfigFromEnv reads the sink configuration; Enabled reports
// whether all required variables are present.
func FeishuSinkConfigFromEnv() FeishuSinkConfig {
	return FeishuSinkConfig{
		AppID:     config.String(EnvFeishuAppID, ""),
		AppSecret: config.String(EnvFeishuAppSecret, ""),
		AppToken:  config.String(EnvUpdateAppToken, ""),
		TableID:   config.String(EnvUpdateTableID, ""),
	}
}

func (c FeishuSinkConfig) Enabled() bool {
	return c.AppID != "" && c.AppSecret != "" && c.AppToken != "" && c.TableID != ""
}

// FeishuSink appends finished update attempts to a Feishu bitable for ops
// visibility.
type FeishuSink struct {
	client   *lark.Client
	appToken string
	tableID  string
}

// NewFeishuSink validates cfg and builds the bitable client.
func NewFeishuSink(cfg FeishuSinkConfig) (*FeishuSink, error) {
	if !cfg.Enabled() {
		return nil, pkgerrors.New("storage: feishu sink requires app id/secret and bitable app token/table id")
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithReqTimeout(feishuRequestTimeout),
		lark.WithLogLevel(larkcore.LogLevelError),
	)
	return &FeishuSink{
		client:   client,
		appToken: strings.TrimSpace(cfg.AppToken),
		tableID:  strings.TrimSpace(cfg.TableID),
	}, nil
}

func (s *FeishuSink) Write(ctx context.Context, rec updateagent.UpdateRecord) error {
	fields := map[string]interface{}{
		"DeviceType":    rec.DeviceType,
		"TargetVersion": string(rec.Target),
		"Outcome":       string(rec.Outcome),
		"Reason":        string(rec.Reason),
		"StartedAt":     rec.StartedAt.UnixMilli(),
		"FinishedAt":    rec.FinishedAt.UnixMilli(),
	}
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(s.appToken).
		TableId(s.tableID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	resp, err := s.client.Bitable.V1.AppTableRecord.Create(ctx, req)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: create bitable record failed")
	}
	if !resp.Success() {
		return pkgerrors.Errorf("storage: create bitable record failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (s *FeishuSink) Close() error { return nil }

func (s *FeishuSink) Name() string { return "feishu" }
