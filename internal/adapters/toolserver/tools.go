package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/eveguard/internal/adapters/rpc"
	"github.com/xoelrdgz/eveguard/internal/domain"
	"github.com/xoelrdgz/eveguard/pkg/sanitize"
)

const (
	defaultRecentCount  = 10
	defaultBlockReason  = "Security threat"
	topSourcesLimit     = 5
	searchResultLimit   = 20
	alertsResourceLimit = 50

	testAlertIP        = "10.10.10.10"
	testAlertSignature = "TEST ICMP Ping detected"
)

func toolCatalog() []rpc.ToolInfo {
	return []rpc.ToolInfo{
		{
			Name:        rpc.ToolGetRecentAlerts,
			Description: "Get recent security alerts from Suricata",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"count":    map[string]any{"type": "number", "default": defaultRecentCount},
					"severity": map[string]any{"type": "number", "minimum": 1, "maximum": 3},
				},
			},
		},
		{
			Name:        rpc.ToolBlockIP,
			Description: "Block an IP address using iptables/ip6tables",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ip":     map[string]any{"type": "string"},
					"reason": map[string]any{"type": "string"},
				},
				"required": []string{"ip"},
			},
		},
		{
			Name:        rpc.ToolGetAlertStats,
			Description: "Get statistics about security alerts",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        rpc.ToolSearchAlerts,
			Description: "Search alerts by IP address or signature",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []string{"query"},
			},
		},
		{
			Name:        rpc.ToolInjectTestAlert,
			Description: "Inject a synthetic alert into memory for testing",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ip":        map[string]any{"type": "string", "default": testAlertIP},
					"signature": map[string]any{"type": "string", "default": testAlertSignature},
					"severity":  map[string]any{"type": "number", "default": domain.DefaultSeverity},
				},
			},
		},
	}
}

func resourceCatalog() []rpc.ResourceInfo {
	return []rpc.ResourceInfo{
		{URI: rpc.ResourceAlerts, Name: "Suricata Alerts", Description: "Recent security alerts from Suricata IDS", MimeType: "application/json"},
		{URI: rpc.ResourceBlockedIPs, Name: "Blocked IPs", Description: "List of blocked IP addresses", MimeType: "application/json"},
	}
}

// callTool never fails at the protocol level; tool problems come back as a
// result flagged isError.
func (s *Server) callTool(ctx context.Context, name string, rawArgs json.RawMessage) rpc.ToolResult {
	if len(rawArgs) == 0 || string(rawArgs) == "null" {
		rawArgs = json.RawMessage("{}")
	}

	switch name {
	case rpc.ToolGetRecentAlerts:
		var args rpc.RecentAlertsArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: %v", err)
		}
		return jsonResult(s.recentAlerts(args))
	case rpc.ToolBlockIP:
		var args rpc.BlockIPArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: %v", err)
		}
		return s.blockIP(ctx, args)
	case rpc.ToolGetAlertStats:
		return jsonResult(s.stats())
	case rpc.ToolSearchAlerts:
		var args rpc.SearchArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: %v", err)
		}
		return jsonResult(s.search(args.Query))
	case rpc.ToolInjectTestAlert:
		var args rpc.InjectArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: %v", err)
		}
		s.inject(args)
		return rpc.TextResult("Injected one synthetic alert")
	default:
		return errorResult("Unknown tool: %s", name)
	}
}

func (s *Server) recentAlerts(args rpc.RecentAlertsArgs) rpc.RecentAlerts {
	count := args.Count
	if count == 0 {
		count = defaultRecentCount
	}
	alerts := s.alerts.Latest(count)
	if args.Severity != nil {
		filtered := alerts[:0]
		for _, a := range alerts {
			if a.Severity == *args.Severity {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	return rpc.RecentAlerts{Count: len(alerts), Alerts: alerts}
}

func (s *Server) blockIP(ctx context.Context, args rpc.BlockIPArgs) rpc.ToolResult {
	ip := strings.TrimSpace(args.IP)
	if ip == "" {
		return errorResult("IP address required")
	}
	reason := sanitize.Reason(args.Reason)
	if reason == "" {
		reason = defaultBlockReason
	}

	if err := s.blocker.Block(ctx, ip); err != nil {
		log.Warn().Err(err).Str("ip", sanitize.Address(ip)).Msg("Block failed")
		return errorResult("Failed to block %s: %v", ip, err)
	}
	log.Info().Str("ip", ip).Str("reason", reason).Msg("Blocked IP")
	return rpc.TextResult(fmt.Sprintf("Successfully blocked %s. Reason: %s", ip, reason))
}

func (s *Server) stats() rpc.AlertStats {
	alerts := s.alerts.Latest(0)
	stats := rpc.AlertStats{
		TotalAlerts: len(alerts),
		BySeverity:  make(map[string]int),
		ByCategory:  make(map[string]int),
		BlockedIPs:  s.blocker.Blocked(),
	}

	sources := make(map[string]int)
	var order []string
	for _, a := range alerts {
		stats.BySeverity[strconv.Itoa(a.Severity)]++

		category := a.Category
		if category == "" {
			category = "unknown"
		}
		stats.ByCategory[category]++

		src := a.SourceAddress
		if src == "" {
			src = "unknown"
		}
		if _, seen := sources[src]; !seen {
			order = append(order, src)
		}
		sources[src]++
	}

	top := make([]rpc.SourceCount, 0, len(order))
	for _, src := range order {
		top = append(top, rpc.SourceCount{Address: src, Count: sources[src]})
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Count > top[j].Count })
	if len(top) > topSourcesLimit {
		top = top[:topSourcesLimit]
	}
	stats.TopSources = top
	return stats
}

func (s *Server) search(query string) rpc.SearchResult {
	q := strings.ToLower(query)
	var matches []domain.AlertRecord
	for _, a := range s.alerts.Latest(0) {
		if strings.Contains(strings.ToLower(a.SourceAddress), q) ||
			strings.Contains(strings.ToLower(a.DestinationAddress), q) ||
			strings.Contains(strings.ToLower(a.Signature), q) {
			matches = append(matches, a)
		}
	}

	result := rpc.SearchResult{Query: q, Results: len(matches), Alerts: matches}
	if len(matches) > searchResultLimit {
		result.Alerts = matches[len(matches)-searchResultLimit:]
	}
	if result.Alerts == nil {
		result.Alerts = []domain.AlertRecord{}
	}
	return result
}

func (s *Server) inject(args rpc.InjectArgs) {
	rec := domain.AlertRecord{
		Timestamp:          time.Now().UTC(),
		SourceAddress:      args.IP,
		DestinationAddress: "1.1.1.1",
		Protocol:           "ICMP",
		Category:           "Test",
		Signature:          sanitize.Signature(args.Signature),
		Severity:           args.Severity,
	}
	if rec.SourceAddress == "" {
		rec.SourceAddress = testAlertIP
	}
	if rec.Signature == "" {
		rec.Signature = testAlertSignature
	}
	if rec.Severity == 0 {
		rec.Severity = domain.DefaultSeverity
	}
	s.alerts.Append(rec)
	log.Debug().Str("ip", rec.SourceAddress).Msg("Injected test alert")
}

func (s *Server) readResource(uri string) (any, *rpc.RPCError) {
	var payload any
	switch uri {
	case rpc.ResourceAlerts:
		payload = map[string]any{"total": s.alerts.Len(), "alerts": s.alerts.Latest(alertsResourceLimit)}
	case rpc.ResourceBlockedIPs:
		ips := s.blocker.Blocked()
		payload = rpc.BlockedIPs{Total: len(ips), IPs: ips}
	default:
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "Unknown resource: "+uri)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, rpc.NewRPCError(rpc.CodeInternalError, err.Error())
	}
	return rpc.ReadResourceResult{Contents: []rpc.ResourceContents{{
		URI:      uri,
		MimeType: "application/json",
		Text:     string(data),
	}}}, nil
}

func jsonResult(v any) rpc.ToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("Failed to encode result: %v", err)
	}
	return rpc.TextResult(string(data))
}

func errorResult(format string, args ...any) rpc.ToolResult {
	result := rpc.TextResult(fmt.Sprintf(format, args...))
	result.IsError = true
	return result
}
