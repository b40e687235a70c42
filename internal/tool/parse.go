package tool

import (
	"strconv"
	"strings"
)

// ParsePing extracts packet loss and round-trip metrics from ping output.
// Handles both Linux ("rtt min/avg/max/mdev") and BSD ("round-trip")
// summary lines.
func ParsePing(output string) map[string]any {
	findings := make(map[string]any)
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "packet loss") {
			for _, field := range strings.Fields(line) {
				if strings.HasSuffix(field, "%") {
					if loss, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64); err == nil {
						findings["packet_loss_pct"] = loss
					}
					break
				}
			}
		}
		if strings.Contains(line, "rtt") || strings.Contains(line, "round-trip") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			times := strings.Split(strings.TrimSpace(parts[1]), "/")
			if len(times) >= 2 {
				if avg, err := strconv.ParseFloat(times[1], 64); err == nil {
					findings["avg_latency_ms"] = avg
				}
			}
		}
	}
	if loss, ok := findings["packet_loss_pct"].(float64); ok {
		if loss > 5 {
			findings["status"] = "degraded"
		} else {
			findings["status"] = "normal"
		}
	}
	if len(findings) == 0 {
		return nil
	}
	return findings
}

// ParseTraceroute counts completed hops and flags unresponsive ones.
func ParseTraceroute(output string) map[string]any {
	hops := 0
	unresponsive := 0
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "traceroute") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		hops++
		if strings.Contains(trimmed, "* * *") {
			unresponsive++
		}
	}
	if hops == 0 {
		return nil
	}
	return map[string]any{
		"hop_count":         hops,
		"unresponsive_hops": unresponsive,
	}
}

// ParseDNS records the resolved addresses from dig +short output.
func ParseDNS(output string) map[string]any {
	var answers []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			answers = append(answers, trimmed)
		}
	}
	if len(answers) == 0 {
		return map[string]any{"resolved": false}
	}
	return map[string]any{
		"resolved":     true,
		"answer_count": len(answers),
		"answers":      answers,
	}
}
