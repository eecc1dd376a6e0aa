package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/config"
	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

const defaultDoctorFormat = "text"

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: "failed to load config",
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", "skipped: config failed to load"),
			doctorSkippedCheck("upstream", "skipped: config failed to load"),
			doctorSkippedCheck("admin_posture", "skipped: config failed to load"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	if err := config.Validate(cfg); err != nil {
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: "config is invalid",
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", "skipped: config validation failed"),
			doctorSkippedCheck("upstream", "skipped: config validation failed"),
			doctorSkippedCheck("admin_posture", "skipped: config validation failed"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(default lookup)"))},
	})
	doc.Checks = append(doc.Checks, runDoctorStorageCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorUpstreamCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorAdminPostureCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorStorageCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "storage"}
	store, err := openDoctorStore(cfg)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize exchange storage"
		check.Details = []string{err.Error()}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.QueryExchanges(ctx, record.Filter{Limit: 1}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "exchange storage connectivity check failed"
		check.Details = []string{err.Error()}
		if closeErr := store.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close exchange store: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite exchange storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case "postgres":
		check.Summary = "connected to postgres exchange storage"
	default:
		check.Summary = "connected to exchange storage"
	}
	if closeErr := store.Close(); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "exchange storage connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close exchange store: %v", closeErr))
	}
	return check
}

// runDoctorUpstreamCheck dials the upstream host without sending a request, so
// the check works without credentials.
func runDoctorUpstreamCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "upstream"}

	parsed, err := url.Parse(strings.TrimSpace(cfg.Upstream.BaseURL))
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to parse upstream.base_url"
		check.Details = []string{err.Error()}
		return check
	}

	host := parsed.Host
	if parsed.Port() == "" {
		switch parsed.Scheme {
		case "https":
			host = net.JoinHostPort(parsed.Hostname(), "443")
		case "http":
			host = net.JoinHostPort(parsed.Hostname(), "80")
		}
	}

	timeout := time.Duration(cfg.Upstream.ConnectTimeoutMS) * time.Millisecond
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "upstream is not reachable"
		check.Details = []string{
			fmt.Sprintf("dial %s: %v", host, err),
		}
		return check
	}
	_ = conn.Close()

	check.Status = doctorStatusPass
	check.Summary = "upstream is reachable"
	check.Details = []string{fmt.Sprintf("dialed %s (%s)", host, cfg.Upstream.BaseURL)}
	return check
}

func runDoctorAdminPostureCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "admin_posture"}

	if strings.TrimSpace(cfg.Admin.Token) == "" {
		check.Status = doctorStatusWarn
		check.Summary = "admin surface is disabled"
		check.Details = []string{"admin.token is empty; /admin endpoints will answer 503"}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "admin surface is token protected"
	return check
}

func openDoctorStore(cfg config.Config) (record.Store, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return record.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return record.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "llm-intercept Doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
