package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentcore/internal/domain"
)

// ClockTool reports the current time, optionally in a named IANA zone.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates the clock.
func NewClockTool() *ClockTool { return &ClockTool{now: time.Now} }

func (t *ClockTool) Name() string { return "clock" }

func (t *ClockTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone such as \"Europe/Paris\"."
}

func (t *ClockTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {
					"type": "string",
					"description": "IANA timezone name; defaults to UTC"
				}
			}
		}`),
	}
}

type clockParams struct {
	Timezone string `json:"timezone"`
}

type clockResult struct {
	Time     string `json:"time"`
	Unix     int64  `json:"unix"`
	Timezone string `json:"timezone"`
	Weekday  string `json:"weekday"`
}

func (t *ClockTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var p clockParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}

	loc := time.UTC
	if p.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(p.Timezone)
		if err != nil {
			return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("unknown timezone %q", p.Timezone)}, nil
		}
	}

	now := t.now().In(loc)
	out, err := json.Marshal(clockResult{
		Time:     now.Format(time.RFC3339),
		Unix:     now.Unix(),
		Timezone: loc.String(),
		Weekday:  now.Weekday().String(),
	})
	if err != nil {
		return nil, err
	}
	return &domain.ToolResult{Content: string(out)}, nil
}
