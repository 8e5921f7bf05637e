// Package loadgen drives synthetic visitor traffic against a keygate instance.
package loadgen

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        uint64
	// KeysystemID targets the visitor flow; health-only traffic is sent when empty.
	KeysystemID string
}

type Result struct {
	TotalRequests int64
	Failures      int64
	StatusClasses map[string]int64
	Elapsed       time.Duration
}

type request struct {
	method string
	path   string
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "mixed"
	}
	return p
}

// plan returns the request sequence one iteration of a profile performs.
func plan(profile, keysystemID string, rng *rand.Rand) ([]request, error) {
	if keysystemID == "" {
		profile = "health"
	}
	sid := fmt.Sprintf("loadgen-%016x", rng.Uint64())
	session := "/api/v1/keysystems/" + keysystemID + "/sessions/" + sid
	switch profile {
	case "health":
		return []request{{http.MethodGet, "/health/live"}, {http.MethodGet, "/health/ready"}}, nil
	case "public":
		return []request{
			{http.MethodGet, "/api/v1/keysystems/" + keysystemID},
			{http.MethodGet, fmt.Sprintf("/api/v1/keysystems/%s/keys/KG_%016x", keysystemID, rng.Uint64())},
		}, nil
	case "flow":
		return []request{
			{http.MethodPost, session + "/start"},
			{http.MethodGet, session},
			{http.MethodDelete, session},
		}, nil
	case "mixed":
		choices := []string{"health", "public", "flow"}
		return plan(choices[rng.IntN(len(choices))], keysystemID, rng)
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
}

func Run(ctx context.Context, cfg Config) (Result, error) {
	profile := normalizeProfile(cfg.Profile)
	if _, err := plan(profile, cfg.KeysystemID, rand.New(rand.NewPCG(0, 0))); err != nil {
		return Result{}, err
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	client := &http.Client{Timeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var (
		total, failures atomic.Int64
		mu              sync.Mutex
		classes         = map[string]int64{}
	)
	ticks := make(chan struct{}, cfg.Concurrency)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ticks)
		t := time.NewTicker(time.Second / time.Duration(cfg.RPS))
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				select {
				case ticks <- struct{}{}:
				default:
				}
			}
		}
	})
	for w := 0; w < cfg.Concurrency; w++ {
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(w)))
		g.Go(func() error {
			for range ticks {
				reqs, err := plan(profile, cfg.KeysystemID, rng)
				if err != nil {
					return err
				}
				for _, rq := range reqs {
					status, err := do(gctx, client, rq.method, base+rq.path)
					if err != nil && gctx.Err() != nil {
						return nil
					}
					total.Add(1)
					if err != nil {
						failures.Add(1)
						continue
					}
					class := classifyStatusClass(status)
					if class == "5xx" || class == "other" {
						failures.Add(1)
					}
					mu.Lock()
					classes[class]++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return Result{
		TotalRequests: total.Load(),
		Failures:      failures.Load(),
		StatusClasses: classes,
		Elapsed:       time.Since(start),
	}, nil
}

func do(ctx context.Context, client *http.Client, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "keygate-loadgen/1")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
