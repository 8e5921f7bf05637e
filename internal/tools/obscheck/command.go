package obscheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/keygate/internal/tools/common"
	"github.com/sandeepkv93/keygate/internal/tools/loadgen"
	"github.com/sandeepkv93/keygate/internal/tools/ui"
)

var errCheckFailed = errors.New("observability check failed")

type options struct {
	grafanaURL      string
	grafanaUser     string
	grafanaPassword string
	serviceName     string
	window          time.Duration
	settle          time.Duration
	ci              bool
	baseURL         string
	keysystemID     string
	metric          string
}

// NewRootCommand checks that a request's exemplar leads to its trace and logs.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "obscheck", Short: "Verify metrics, traces and logs correlation"}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.grafanaURL, "grafana-url", "http://localhost:3000", "Grafana base URL")
	flags.StringVar(&opts.grafanaUser, "grafana-user", "admin", "Grafana username")
	flags.StringVar(&opts.grafanaPassword, "grafana-password", "admin", "Grafana password")
	flags.StringVar(&opts.serviceName, "service-name", "keygate", "OTel service name")
	flags.DurationVar(&opts.window, "window", 20*time.Minute, "query lookback window")
	flags.DurationVar(&opts.settle, "settle", 8*time.Second, "wait for exporters to flush before querying")
	flags.BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	flags.StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "API base URL for traffic")
	flags.StringVar(&opts.keysystemID, "keysystem", "", "keysystem id for visitor-flow traffic (health traffic when empty)")
	flags.StringVar(&opts.metric, "metric", "http_server_request_duration_seconds_bucket", "histogram carrying trace exemplars")
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Generate traffic and validate exemplar->trace->log path",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := run(opts, "obscheck run", func(ctx context.Context) ([]string, error) {
				return check(ctx, *opts)
			})
			if opts.ci {
				common.PrintCIResult(err == nil, "obscheck run", details, err)
			} else {
				for _, line := range details {
					cmd.Println(line)
				}
			}
			if err != nil {
				return fmt.Errorf("%w: %w", errCheckFailed, err)
			}
			return nil
		},
	}
}

func check(ctx context.Context, opts options) ([]string, error) {
	profile := "health"
	if opts.keysystemID != "" {
		profile = "flow"
	}
	res, err := loadgen.Run(ctx, loadgen.Config{
		BaseURL:     opts.baseURL,
		Profile:     profile,
		KeysystemID: opts.keysystemID,
		Duration:    6 * time.Second,
		RPS:         20,
		Concurrency: 6,
		Seed:        42,
	})
	if err != nil {
		return nil, err
	}
	details := []string{fmt.Sprintf("traffic profile=%s total=%d failures=%d", profile, res.TotalRequests, res.Failures)}
	notBefore := time.Now().Add(-2 * time.Minute)
	if err := sleepContext(ctx, opts.settle); err != nil {
		return details, err
	}

	traceID, err := fetchTraceIDFromExemplar(ctx, opts, notBefore)
	if err != nil {
		return details, err
	}
	details = append(details, "exemplar trace_id="+traceID)

	if err := verifyTempoTrace(ctx, opts, traceID); err != nil {
		return details, err
	}
	details = append(details, "tempo trace lookup: ok")

	if err := verifyLokiTraceLogs(ctx, opts, traceID); err != nil {
		return details, err
	}
	details = append(details, "loki trace correlation: ok")

	if opts.keysystemID != "" {
		n, err := countAuditEvents(ctx, opts)
		if err != nil {
			return details, err
		}
		details = append(details, fmt.Sprintf("loki audit events: %d", n))
	}
	return details, nil
}

func run(opts *options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, fn)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func grafanaGET(ctx context.Context, opts options, path string, out any) error {
	base, err := url.Parse(opts.grafanaURL)
	if err != nil {
		return err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(rel).String(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(opts.grafanaUser, opts.grafanaPassword)
	resp, err := (&http.Client{Timeout: 20 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("grafana %s: %s", rel.Path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode grafana %s: %w", rel.Path, err)
	}
	return nil
}

type exemplarResponse struct {
	Data []struct {
		Exemplars []struct {
			Labels    map[string]string `json:"labels"`
			Timestamp float64           `json:"timestamp"`
		} `json:"exemplars"`
	} `json:"data"`
}

func fetchTraceIDFromExemplar(ctx context.Context, opts options, notBefore time.Time) (string, error) {
	end := time.Now()
	path := fmt.Sprintf("/api/datasources/proxy/uid/mimir/api/v1/query_exemplars?query=%s&start=%d&end=%d",
		url.QueryEscape(opts.metric), end.Add(-opts.window).Unix(), end.Unix())
	var payload exemplarResponse
	if err := grafanaGET(ctx, opts, path, &payload); err != nil {
		return "", err
	}
	var bestTraceID string
	var bestTS float64
	for _, series := range payload.Data {
		for _, e := range series.Exemplars {
			if e.Timestamp <= 0 || int64(e.Timestamp) < notBefore.Unix() {
				continue
			}
			if tid := e.Labels["trace_id"]; len(tid) == 32 && e.Timestamp > bestTS {
				bestTS = e.Timestamp
				bestTraceID = tid
			}
		}
	}
	if bestTraceID == "" {
		return "", fmt.Errorf("no recent trace_id exemplar found for %s", opts.metric)
	}
	return bestTraceID, nil
}

type tempoTrace struct {
	Batches []json.RawMessage `json:"batches"`
}

func verifyTempoTrace(ctx context.Context, opts options, traceID string) error {
	path := "/api/datasources/proxy/uid/tempo/api/traces/" + url.PathEscape(traceID)
	lastErr := errors.New("tempo trace lookup failed")
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, 2*time.Second); err != nil {
				return err
			}
		}
		var trace tempoTrace
		if err := grafanaGET(ctx, opts, path, &trace); err != nil {
			lastErr = err
			continue
		}
		if len(trace.Batches) > 0 {
			return nil
		}
		lastErr = fmt.Errorf("tempo trace %s has no batches yet", traceID)
	}
	return lastErr
}

type lokiResponse struct {
	Data struct {
		Result []json.RawMessage `json:"result"`
	} `json:"data"`
}

func queryLoki(ctx context.Context, opts options, query string, limit int) (int, error) {
	now := time.Now()
	path := fmt.Sprintf("/api/datasources/proxy/uid/loki/loki/api/v1/query_range?query=%s&start=%d&end=%d&limit=%d&direction=backward",
		url.QueryEscape(query), now.Add(-opts.window).UnixNano(), now.UnixNano(), limit)
	var payload lokiResponse
	if err := grafanaGET(ctx, opts, path, &payload); err != nil {
		return 0, err
	}
	return len(payload.Data.Result), nil
}

func verifyLokiTraceLogs(ctx context.Context, opts options, traceID string) error {
	queries := []string{
		fmt.Sprintf(`{service_name=%q} | json | trace_id=%q`, opts.serviceName, traceID),
		fmt.Sprintf(`{service_name=~".+"} | json | trace_id=%q`, traceID),
	}
	for _, q := range queries {
		n, err := queryLoki(ctx, opts, q, 1)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
	return fmt.Errorf("no correlated loki logs found for trace_id %s", traceID)
}

// countAuditEvents reports audit log streams for the keysystem. Zero is not
// a failure since flow traffic rarely reaches key issuance.
func countAuditEvents(ctx context.Context, opts options) (int, error) {
	q := fmt.Sprintf(`{service_name=%q} |= "audit.event" | json | keysystem_id=%q`, opts.serviceName, opts.keysystemID)
	return queryLoki(ctx, opts, q, 100)
}
