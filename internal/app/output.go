package app

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hitoshi/labelq/internal/model"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// renderTable はヘッダーと行から罫線付きの表を生成する。
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// writeJSON はvをインデント付きJSONでコマンドの標準出力に書き込む。
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// wantJSON は--jsonが指定されたか、出力先が端末でない場合にtrueを返す。
func wantJSON(cmd *cobra.Command) bool {
	if forced, err := cmd.Flags().GetBool("json"); err == nil && forced {
		return true
	}
	return !isTerminal(cmd.OutOrStdout())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// globalStatsTable は全体統計を2列の表にする。
func globalStatsTable(s *model.GlobalStats) string {
	rows := [][]string{
		{"total", itoa64(s.Total)},
		{"available", itoa64(s.AvailableUnlabeled)},
		{"claimed", itoa64(s.Claimed)},
		{"unlabeled", itoa64(s.Unlabeled)},
		{"pass", itoa64(s.Pass)},
		{"faulty", itoa64(s.Faulty)},
		{"maybe", itoa64(s.Maybe)},
		{"trained", itoa64(s.Trained)},
		{"labeled (untrained)", itoa64(s.LabeledUntrained)},
		{"active labelers", itoa64(s.ActiveLabelers)},
	}
	return renderTable([]string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
}

// leaderboardTable は順位付きのランキング表を生成する。
func leaderboardTable(stats []model.LabelerStat) string {
	rows := make([][]string, len(stats))
	for i, s := range stats {
		rows[i] = []string{
			strconv.Itoa(i + 1),
			s.DisplayName,
			strconv.Itoa(s.TotalLabeled),
			strconv.Itoa(s.PassCount),
			strconv.Itoa(s.FaultyCount),
			strconv.Itoa(s.MaybeCount),
		}
	}
	return renderTable(
		[]string{"#", "Labeler", "Total", "Pass", "Faulty", "Maybe"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}

// labelersTable は管理者向けのワーカー別統計表を生成する。
func labelersTable(stats []model.LabelerStat) string {
	rows := make([][]string, len(stats))
	for i, s := range stats {
		expired := 0
		for _, c := range s.ClaimedItems {
			if c.Expired {
				expired++
			}
		}
		rows[i] = []string{
			s.WorkerID,
			s.DisplayName,
			strconv.Itoa(s.ActiveClaims),
			strconv.Itoa(expired),
			strconv.Itoa(s.TotalLabeled),
			formatTime(s.LastActivity),
		}
	}
	return renderTable(
		[]string{"Worker", "Name", "Claims", "Expired", "Labeled", "Last Activity"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}
