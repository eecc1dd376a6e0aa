package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/config"
	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

const (
	defaultDiagnosticsFormat  = "text"
	defaultDiagnosticsTimeout = 5 * time.Second
	diagnosticsEndpointPath   = "/admin/diagnostics"
)

type diagnosticsDocument struct {
	SchemaVersion string                     `json:"schema_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Diagnostics   record.PipelineDiagnostics `json:"diagnostics"`
}

func runDiagnostics(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	baseURL := flagSet.String("base-url", "", "Intercept proxy base URL (defaults to value derived from config)")
	adminToken := flagSet.String("admin-token", "", "Admin bearer token (defaults to config admin.token)")
	format := flagSet.String("format", defaultDiagnosticsFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultDiagnosticsTimeout, "HTTP timeout duration")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "diagnostics does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("diagnostics", *format, defaultDiagnosticsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(errOut, "invalid diagnostics timeout %q: must be greater than 0\n", timeout.String())
		return 2
	}

	resolvedBaseURL, resolvedToken, err := resolveDiagnosticsConnection(strings.TrimSpace(*configPath), strings.TrimSpace(*baseURL), strings.TrimSpace(*adminToken))
	if err != nil {
		fmt.Fprintf(errOut, "failed to resolve diagnostics endpoint: %v\n", err)
		return 1
	}

	document, err := fetchDiagnostics(resolvedBaseURL, resolvedToken, *timeout)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read diagnostics: %v\n", err)
		return 1
	}
	if err := writeDiagnostics(out, normalizedFormat, document, resolvedBaseURL); err != nil {
		fmt.Fprintf(errOut, "failed to write diagnostics output: %v\n", err)
		return 1
	}
	return 0
}

func resolveDiagnosticsConnection(configPath, baseURL, adminToken string) (string, string, error) {
	resolvedBaseURL := strings.TrimSpace(baseURL)
	resolvedToken := strings.TrimSpace(adminToken)
	needsConfig := resolvedBaseURL == "" || resolvedToken == ""

	if needsConfig {
		cfg, stage, err := loadAndValidateConfig(configPath)
		if err != nil {
			if resolvedBaseURL == "" {
				if stage == configStageLoad {
					return "", "", fmt.Errorf("load config: %w", err)
				}
				return "", "", fmt.Errorf("config validation failed: %w", err)
			}
		} else {
			if resolvedBaseURL == "" {
				resolvedBaseURL = interceptBaseURL(cfg)
			}
			if resolvedToken == "" {
				resolvedToken = strings.TrimSpace(cfg.Admin.Token)
			}
		}
	}

	if resolvedBaseURL == "" {
		resolvedBaseURL = "http://localhost:8080"
	}
	normalizedBaseURL, err := normalizeDiagnosticsBaseURL(resolvedBaseURL)
	if err != nil {
		return "", "", err
	}
	return normalizedBaseURL, resolvedToken, nil
}

func interceptBaseURL(cfg config.Config) string {
	host := strings.TrimSpace(cfg.Server.Host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") && !strings.HasSuffix(host, "]") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + strconv.Itoa(cfg.Server.Port)
}

func normalizeDiagnosticsBaseURL(rawBaseURL string) (string, error) {
	value := strings.TrimSpace(rawBaseURL)
	if value == "" {
		return "", fmt.Errorf("base URL is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("base URL must include http or https scheme")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", fmt.Errorf("base URL must include host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

func fetchDiagnostics(baseURL, adminToken string, timeout time.Duration) (diagnosticsDocument, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	endpoint := strings.TrimRight(baseURL, "/") + diagnosticsEndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return diagnosticsDocument{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return diagnosticsDocument{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return diagnosticsDocument{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(body))
		var errorPayload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &errorPayload); err == nil && strings.TrimSpace(errorPayload.Error.Message) != "" {
			message = strings.TrimSpace(errorPayload.Error.Message)
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return diagnosticsDocument{}, fmt.Errorf("status %d: %s", resp.StatusCode, message)
	}

	var document diagnosticsDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return diagnosticsDocument{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(document.SchemaVersion) == "" {
		return diagnosticsDocument{}, fmt.Errorf("missing schema_version in diagnostics response")
	}
	return document, nil
}

func writeDiagnostics(out io.Writer, format string, document diagnosticsDocument, baseURL string) error {
	switch format {
	case "json":
		return writeDiagnosticsJSON(out, document)
	default:
		return writeDiagnosticsText(out, document, baseURL)
	}
}

func writeDiagnosticsJSON(out io.Writer, document diagnosticsDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(document)
}

func writeDiagnosticsText(out io.Writer, document diagnosticsDocument, baseURL string) error {
	fmt.Fprintln(out, "llm-intercept Diagnostics")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Schema version\t%s\n", document.SchemaVersion)
	fmt.Fprintf(meta, "Generated at\t%s\n", document.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(meta, "Source\t%s\n", strings.TrimRight(strings.TrimSpace(baseURL), "/")+diagnosticsEndpointPath)
	fmt.Fprintf(meta, "Store driver\t%s\n", diagnosticsValueOr(document.Diagnostics.StoreDriver, "(unknown)"))
	fmt.Fprintf(meta, "Queue pressure\t%s\n", strings.ToUpper(strings.TrimSpace(document.Diagnostics.QueuePressureState)))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nQueue")
	queue := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(queue, "Capacity\t%d\n", document.Diagnostics.QueueCapacity)
	fmt.Fprintf(queue, "Depth\t%d\n", document.Diagnostics.QueueDepth)
	fmt.Fprintf(queue, "Depth high watermark\t%d\n", document.Diagnostics.QueueDepthHighWatermark)
	fmt.Fprintf(queue, "Utilization (pct)\t%d\n", document.Diagnostics.QueueUtilizationPct)
	fmt.Fprintf(queue, "Enqueue accepted total\t%d\n", document.Diagnostics.EnqueueAcceptedTotal)
	if err := queue.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nDrops")
	drops := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(drops, "Enqueue dropped total\t%d\n", document.Diagnostics.EnqueueDroppedTotal)
	fmt.Fprintf(drops, "Write dropped total\t%d\n", document.Diagnostics.WriteDroppedTotal)
	fmt.Fprintf(drops, "Last enqueue drop at\t%s\n", diagnosticsTimePtrOr(document.Diagnostics.LastEnqueueDropAt, "(none)"))
	fmt.Fprintf(drops, "Last write drop at\t%s\n", diagnosticsTimePtrOr(document.Diagnostics.LastWriteDropAt, "(none)"))
	if err := drops.Flush(); err != nil {
		return err
	}

	if len(document.Diagnostics.WriteFailuresByClass) > 0 {
		fmt.Fprintln(out, "\nWrite failures by class")
		classes := make([]string, 0, len(document.Diagnostics.WriteFailuresByClass))
		for class := range document.Diagnostics.WriteFailuresByClass {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		failures := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, class := range classes {
			fmt.Fprintf(failures, "%s\t%d\n", class, document.Diagnostics.WriteFailuresByClass[class])
		}
		return failures.Flush()
	}
	return nil
}

func diagnosticsTimePtrOr(value *time.Time, fallback string) string {
	if value == nil {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}

func diagnosticsValueOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
