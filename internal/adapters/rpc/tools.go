package rpc

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

// Tool names served by the tool server.
const (
	ToolGetRecentAlerts = "get_recent_alerts"
	ToolBlockIP         = "block_ip"
	ToolGetAlertStats   = "get_alert_stats"
	ToolSearchAlerts    = "search_alerts"
	ToolInjectTestAlert = "inject_test_alert"
)

// Resource URIs served by the tool server.
const (
	ResourceAlerts     = "suricata://alerts"
	ResourceBlockedIPs = "suricata://blocked_ips"
)

type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the result of tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text returns the first content item's text, or "".
func (r ToolResult) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

func TextResult(text string) ToolResult {
	return ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ReadResourceParams struct {
	URI string `json:"uri"`
}

type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Tool payloads. They travel as JSON text inside content[0].text.

type RecentAlertsArgs struct {
	Count    int  `json:"count,omitempty"`
	Severity *int `json:"severity,omitempty"`
}

type RecentAlerts struct {
	Count  int                  `json:"count"`
	Alerts []domain.AlertRecord `json:"alerts"`
}

type BlockIPArgs struct {
	IP     string `json:"ip"`
	Reason string `json:"reason,omitempty"`
}

type SourceCount struct {
	Address string `json:"ip"`
	Count   int    `json:"count"`
}

type AlertStats struct {
	TotalAlerts int            `json:"total_alerts"`
	BySeverity  map[string]int `json:"by_severity"`
	ByCategory  map[string]int `json:"by_category"`
	TopSources  []SourceCount  `json:"top_sources"`
	BlockedIPs  []string       `json:"blocked_ips"`
}

type SearchArgs struct {
	Query string `json:"query"`
}

type SearchResult struct {
	Query   string               `json:"query"`
	Results int                  `json:"results"`
	Alerts  []domain.AlertRecord `json:"alerts"`
}

type InjectArgs struct {
	IP        string `json:"ip"`
	Signature string `json:"signature,omitempty"`
	Severity  int    `json:"severity,omitempty"`
}

type BlockedIPs struct {
	Total int      `json:"total"`
	IPs   []string `json:"ips"`
}

// Caller issues one request. *Client implements it.
type Caller interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Tools wraps tools/call and resources/read in typed methods.
type Tools struct {
	caller Caller
}

func NewTools(caller Caller) *Tools {
	return &Tools{caller: caller}
}

// CallTool invokes a tool. A result flagged isError is returned as is; the
// caller decides what the text means.
func (t *Tools) CallTool(ctx context.Context, name string, args any) (ToolResult, error) {
	params := CallToolParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return ToolResult{}, errors.Wrapf(err, "encode %s arguments", name)
		}
		params.Arguments = raw
	}

	raw, err := t.caller.Request(ctx, MethodToolsCall, params)
	if err != nil {
		return ToolResult{}, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolResult{}, errors.Wrapf(err, "decode %s result", name)
	}
	return result, nil
}

func (t *Tools) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := t.caller.Request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decode tools/list result")
	}
	return result.Tools, nil
}

// GetRecentAlerts implements ports.AlertFetcher.
func (t *Tools) GetRecentAlerts(ctx context.Context, count int) ([]domain.AlertRecord, error) {
	return t.recentAlerts(ctx, RecentAlertsArgs{Count: count})
}

// GetRecentAlertsBySeverity returns recent alerts with the given severity.
func (t *Tools) GetRecentAlertsBySeverity(ctx context.Context, count, severity int) ([]domain.AlertRecord, error) {
	return t.recentAlerts(ctx, RecentAlertsArgs{Count: count, Severity: &severity})
}

func (t *Tools) recentAlerts(ctx context.Context, args RecentAlertsArgs) ([]domain.AlertRecord, error) {
	var payload RecentAlerts
	if err := t.callJSON(ctx, ToolGetRecentAlerts, args, &payload); err != nil {
		return nil, err
	}
	return payload.Alerts, nil
}

// BlockIP implements ports.BlockRequester. The acknowledgment text is
// returned even when the tool flags an error.
func (t *Tools) BlockIP(ctx context.Context, ip, reason string) (string, error) {
	result, err := t.CallTool(ctx, ToolBlockIP, BlockIPArgs{IP: ip, Reason: reason})
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}

func (t *Tools) GetAlertStats(ctx context.Context) (AlertStats, error) {
	var stats AlertStats
	err := t.callJSON(ctx, ToolGetAlertStats, nil, &stats)
	return stats, err
}

func (t *Tools) SearchAlerts(ctx context.Context, query string) (SearchResult, error) {
	var result SearchResult
	err := t.callJSON(ctx, ToolSearchAlerts, SearchArgs{Query: query}, &result)
	return result, err
}

func (t *Tools) InjectTestAlert(ctx context.Context, args InjectArgs) (string, error) {
	result, err := t.CallTool(ctx, ToolInjectTestAlert, args)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", errors.Newf("%s: %s", ToolInjectTestAlert, result.Text())
	}
	return result.Text(), nil
}

// ReadResource returns the text of the first content entry for uri.
func (t *Tools) ReadResource(ctx context.Context, uri string) (string, error) {
	raw, err := t.caller.Request(ctx, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return "", err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errors.Wrap(err, "decode resources/read result")
	}
	if len(result.Contents) == 0 {
		return "", nil
	}
	return result.Contents[0].Text, nil
}

func (t *Tools) callJSON(ctx context.Context, name string, args any, out any) error {
	result, err := t.CallTool(ctx, name, args)
	if err != nil {
		return err
	}
	if result.IsError {
		return errors.Newf("%s: %s", name, result.Text())
	}
	text := result.Text()
	if text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return errors.Wrapf(err, "decode %s payload", name)
	}
	return nil
}
