// Package commands implements the udpsas-probe CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/udpsas/internal/probe"
)

// Output formats accepted by the --output flag.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// valueNA is printed in table cells that have no value, such as the
// reply columns of a lost probe.
const valueNA = "N/A"

var errUnsupportedFormat = errors.New("unsupported output format")

// reportView is the serializable form of a probe report. Addresses and
// durations are rendered as strings so json and yaml output stay
// readable.
type reportView struct {
	Seq         int    `json:"seq"                    yaml:"seq"`
	Lost        bool   `json:"lost"                   yaml:"lost"`
	RTT         string `json:"rtt,omitempty"          yaml:"rtt,omitempty"`
	ReplyFrom   string `json:"reply_from,omitempty"   yaml:"reply_from,omitempty"`
	ReplyLocal  string `json:"reply_local,omitempty"  yaml:"reply_local,omitempty"`
	SourceMatch bool   `json:"source_match"           yaml:"source_match"`
}

func newReportView(rep probe.Report) reportView {
	view := reportView{
		Seq:  rep.Seq,
		Lost: rep.Lost,
	}

	if rep.Lost {
		return view
	}

	view.RTT = rep.RTT.String()
	view.ReplyFrom = rep.ReplyFrom.String()
	view.SourceMatch = rep.SourceMatch

	if rep.ReplyLocal.IsValid() {
		view.ReplyLocal = rep.ReplyLocal.String()
	}

	return view
}

// formatReports renders the reports of one probe run in the requested
// format.
func formatReports(reports []probe.Report, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatReportsJSON(reports)
	case formatYAML:
		return formatReportsYAML(reports)
	case formatTable:
		return formatReportsTable(reports)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatReportsJSON(reports []probe.Report) (string, error) {
	views := make([]reportView, 0, len(reports))
	for _, rep := range reports {
		views = append(views, newReportView(rep))
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal reports: %w", err)
	}

	return string(data), nil
}

func formatReportsYAML(reports []probe.Report) (string, error) {
	views := make([]reportView, 0, len(reports))
	for _, rep := range reports {
		views = append(views, newReportView(rep))
	}

	data, err := yaml.Marshal(views)
	if err != nil {
		return "", fmt.Errorf("marshal reports: %w", err)
	}

	return string(data), nil
}

func formatReportsTable(reports []probe.Report) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSTATUS\tRTT\tREPLY-FROM\tREPLY-LOCAL\tSOURCE-MATCH")

	for _, rep := range reports {
		if rep.Lost {
			fmt.Fprintf(w, "%d\tlost\t%s\t%s\t%s\t%s\n",
				rep.Seq, valueNA, valueNA, valueNA, valueNA)

			continue
		}

		local := valueNA
		if rep.ReplyLocal.IsValid() {
			local = rep.ReplyLocal.String()
		}

		fmt.Fprintf(w, "%d\treply\t%s\t%s\t%s\t%t\n",
			rep.Seq, rep.RTT, rep.ReplyFrom, local, rep.SourceMatch)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// observationView is the serializable form of a watched datagram.
type observationView struct {
	Time    string `json:"time"`
	Peer    string `json:"peer"`
	Local   string `json:"local,omitempty"`
	IfIndex int    `json:"ifindex"`
	Size    int    `json:"size"`
}

// formatObservation renders one watched datagram as a single line.
// Only table and json are supported: watch output is a stream, and a
// yaml document per datagram is not useful.
func formatObservation(obs probe.Observation, format string) (string, error) {
	switch format {
	case formatJSON:
		view := observationView{
			Time:    obs.Time.Format(time.RFC3339Nano),
			Peer:    obs.Peer.String(),
			IfIndex: obs.IfIndex,
			Size:    obs.Size,
		}
		if obs.Local.IsValid() {
			view.Local = obs.Local.String()
		}

		data, err := json.Marshal(view)
		if err != nil {
			return "", fmt.Errorf("marshal observation: %w", err)
		}

		return string(data), nil
	case formatTable:
		local := valueNA
		if obs.Local.IsValid() {
			local = obs.Local.String()
		}

		return fmt.Sprintf("[%s] peer=%s  local=%s  ifindex=%d  size=%d",
			obs.Time.Format(time.RFC3339Nano), obs.Peer, local, obs.IfIndex, obs.Size), nil
	default:
		return "", fmt.Errorf("%w: %q (watch supports table, json)", errUnsupportedFormat, format)
	}
}
