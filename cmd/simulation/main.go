package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quantdesk/trade-api/internal/auth"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minRuns       = 3
	maxRuns       = 10
	serverAddress = "http://localhost:8080"
	pollInterval  = 250 * time.Millisecond
	pollBudget    = 20 * time.Second
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the trade API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"create":    {name: "Create Run"},
			"execute":   {name: "Execute Run"},
			"detail":    {name: "Run Detail"},
			"positions": {name: "Positions"},
			"receipts":  {name: "Receipts"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// do issues an authenticated request and decodes the standard envelope
func (sc *simulationClient) do(method, path, statKey string, payload, out interface{}) error {
	start := time.Now()
	stats := sc.stats[statKey]
	defer func() {
		stats.addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		stats.failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		stats.failures++
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		stats.failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		var envelope struct {
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w, body: %s", err, string(respBody))
		}
	}

	return nil
}

type runView struct {
	ID     uint   `json:"ID"`
	Status string `json:"status"`
}

// randomSnapshot builds a small random decision snapshot with prices
func randomSnapshot() ([]types.DecisionEntry, map[string]float64) {
	count := rand.Intn(3) + 2
	picked := rand.Perm(len(symbols))[:count]

	weights := make([]types.DecisionEntry, 0, count)
	prices := make(map[string]float64, count)
	per := 0.8 / float64(count)
	for _, idx := range picked {
		symbol := symbols[idx]
		weights = append(weights, types.DecisionEntry{
			Symbol: symbol,
			Weight: fmt.Sprintf("%.4f", per*(0.5+rand.Float64())),
		})
		prices[symbol] = 50 + rand.Float64()*450
	}
	return weights, prices
}

// driveRun pushes one paper run through create → execute → terminal status
func driveRun(sc *simulationClient, decisionRef string) error {
	weights, prices := randomSnapshot()

	createReq := map[string]interface{}{
		"project":           "default",
		"decision_ref":      decisionRef,
		"mode":              "paper",
		"weights":           weights,
		"prices":            prices,
		"portfolio_value":   1_000_000.0,
		"cash_buffer_ratio": 0.05,
	}

	var run runView
	if err := sc.do("POST", "/api/v1/runs", "create", createReq, &run); err != nil {
		return err
	}
	log.Info().Uint("run_id", run.ID).Str("decision_ref", decisionRef).Msg("run created")

	executePath := fmt.Sprintf("/api/v1/internal/runs/%d/execute", run.ID)
	if err := sc.do("POST", executePath, "execute", map[string]string{}, &run); err != nil {
		return err
	}

	// Poll the detail view until the reconciler settles the run.
	deadline := time.Now().Add(pollBudget)
	detailPath := fmt.Sprintf("/api/v1/runs/%d", run.ID)
	for {
		var detail struct {
			Status string `json:"status"`
		}
		if err := sc.do("GET", detailPath, "detail", nil, &detail); err != nil {
			return err
		}
		if detail.Status != "queued" && detail.Status != "running" {
			log.Info().Uint("run_id", run.ID).Str("status", detail.Status).Msg("run settled")
			break
		}
		if time.Now().After(deadline) {
			log.Warn().Uint("run_id", run.ID).Msg("run did not settle within poll budget")
			break
		}
		time.Sleep(pollInterval)
	}

	var positions []types.PositionView
	if err := sc.do("GET", detailPath+"/positions", "positions", nil, &positions); err != nil {
		return err
	}
	var receipts []types.Receipt
	if err := sc.do("GET", detailPath+"/receipts", "receipts", nil, &receipts); err != nil {
		return err
	}

	log.Info().
		Uint("run_id", run.ID).
		Int("positions", len(positions)).
		Int("receipts", len(receipts)).
		Msg("run views fetched")
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main drives a batch of paper runs against a locally running server and
// reports endpoint latency statistics
func main() {
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetRuns := rand.Intn(maxRuns-minRuns) + minRuns
	log.Info().Int("target_runs", targetRuns).Msg("Starting simulation")

	completed := 0
	for i := 0; i < targetRuns; i++ {
		decisionRef := fmt.Sprintf("sim-%d-%d", time.Now().Unix(), i)
		if err := driveRun(simClient, decisionRef); err != nil {
			log.Error().Err(err).Str("decision_ref", decisionRef).Msg("run simulation failed")
			continue
		}
		completed++
	}

	log.Info().
		Int("completed", completed).
		Int("target", targetRuns).
		Msg("Simulation complete")

	simClient.printPerformanceStats()
}
