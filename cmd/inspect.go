package cmd

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/ymdecode/archive"
	"github.com/dhcgn/ymdecode/stats"
	"github.com/dhcgn/ymdecode/token"
)

// Report categories written as report_<name>.csv.
const (
	CategoryTokens = "tokens"
	CategoryDays   = "days"
)

// unknownEscape counts ESC bytes that start no known token.
const unknownEscape = "unknown-escape"

var reportCategories = []string{CategoryTokens, CategoryDays}

// Report describes one archive file without writing any decoded text.
type Report struct {
	Records  int
	Empty    int
	Incoming int
	Outgoing int
	Bytes    int
	First    time.Time
	Last     time.Time
	Counters map[string]map[string]int
}

// NewInspectCommand returns the inspect subcommand.
func NewInspectCommand() *cobra.Command {
	var (
		accountID string
		reportDir string
		topN      int
		maxBody   int
		timezone  string
	)

	cmd := &cobra.Command{
		Use:   "inspect [archive file]",
		Short: "Show record and formatting token statistics of one archive file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if accountID == "" {
				accountID = filepath.Base(filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(path)))))
			}
			key, err := archive.NewKey(accountID)
			if err != nil {
				return fmt.Errorf("account id: %w", err)
			}
			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return fmt.Errorf("invalid --timezone %q: %w", timezone, err)
			}

			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer file.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing archive file:", path)

			report, inspectErr := Inspect(key, file, maxBody)
			printReport(out, report, loc, topN)

			if reportDir != "" {
				if err := saveCSVReports(report.Counters, reportCategories, reportDir, 1000); err != nil {
					return fmt.Errorf("error saving CSV reports: %w", err)
				}
				fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			}

			if inspectErr != nil {
				return fmt.Errorf("archive is damaged: %w", inspectErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "id", "", "Local account id used as decoding key (defaults to the profile directory in the path)")
	cmd.Flags().StringVarP(&reportDir, "report", "r", "", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().IntVar(&maxBody, "max-body", archive.DefaultMaxBody, "Largest accepted record body in bytes")
	cmd.Flags().StringVar(&timezone, "timezone", "Local", "Time zone for the reported time range")
	return cmd
}

// Inspect reads every record of r. On a framing error the report covers the
// records read so far.
func Inspect(key archive.Key, r io.Reader, maxBody int) (Report, error) {
	report := Report{Counters: make(map[string]map[string]int)}
	for _, category := range reportCategories {
		report.Counters[category] = make(map[string]int)
	}

	rd := archive.NewReader(r, maxBody)
	var plain []byte
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return report, nil
		}
		if err != nil {
			return report, err
		}

		report.Records++
		ts := time.Unix(int64(rec.Timestamp), 0)
		if report.Records == 1 {
			report.First = ts
		}
		report.Last = ts
		report.Counters[CategoryDays][ts.UTC().Format(time.DateOnly)]++

		if len(rec.Body) == 0 {
			report.Empty++
			continue
		}
		if rec.Outgoing() {
			report.Outgoing++
		} else {
			report.Incoming++
		}
		report.Bytes += len(rec.Body)

		plain = key.Apply(plain[:0], rec.Body)
		if i := bytes.IndexByte(plain, 0); i >= 0 {
			plain = plain[:i]
		}
		countTokens(report.Counters[CategoryTokens], plain)
	}
}

func countTokens(counts map[string]int, text []byte) {
	for i := 0; i < len(text); {
		if rule, n, ok := token.Match(text[i:]); ok {
			counts[rule.Name]++
			i += n
			continue
		}
		if text[i] == token.Escape {
			counts[unknownEscape]++
		}
		i++
	}
}

func printReport(w io.Writer, report Report, loc *time.Location, topN int) {
	fmt.Fprintf(w, "Records: %d (empty %d, incoming %d, outgoing %d)\n", report.Records, report.Empty, report.Incoming, report.Outgoing)
	fmt.Fprintf(w, "Body bytes: %d\n", report.Bytes)
	if report.Records > 0 {
		fmt.Fprintf(w, "Time range: %s to %s\n", report.First.In(loc).Format(time.DateTime), report.Last.In(loc).Format(time.DateTime))
	}
	fmt.Fprintln(w)

	for _, category := range reportCategories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(w, report.Counters[category], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filename := fmt.Sprintf("report_%s.csv", normalizeCategoryName(category))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		for i, pair := range stats.SortedCounts(counter[category]) {
			if i >= limit {
				break
			}
			if err := writer.Write([]string{pair.Key, strconv.Itoa(pair.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		if err := writer.Error(); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeCategoryName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
