package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/services"
)

type Stats struct {
	TotalRequests uint64
	Success       uint64
	Throttled     uint64
	Errors        uint64
	BytesSent     uint64
	BytesReceived uint64
	Latencies     chan time.Duration
}

type Options struct {
	Target      string
	KeyID       string
	Secret      string
	Module      string
	Count       int
	Concurrency int
	Image       []byte
	Timeout     time.Duration
}

// endpoints maps a module name to the route it is benchmarked against.
var endpoints = map[string]string{
	"liveness":   "/v1/liveness/analyze",
	"ocr":        "/v1/document/ocr",
	"validate":   "/v1/document/validate",
	"face_match": "/v1/face/match",
}

func main() {
	target := flag.String("target", "http://127.0.0.1:8080", "VeriFlow base URL")
	keyID := flag.String("key", os.Getenv("VERIFLOW_KEY_ID"), "API key id")
	secret := flag.String("secret", os.Getenv("VERIFLOW_SECRET"), "API secret")
	module := flag.String("module", "liveness", "Module to exercise: liveness, ocr, validate or face_match")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	count := flag.Int("n", 1000, "Total number of requests to send")
	imagePath := flag.String("image", "", "Image file to send (a small synthetic payload by default)")
	timeout := flag.Duration("timeout", 10*time.Second, "Per request timeout")
	flag.Parse()

	opts := Options{
		Target:      strings.TrimRight(*target, "/"),
		KeyID:       *keyID,
		Secret:      *secret,
		Module:      *module,
		Count:       *count,
		Concurrency: *concurrency,
		Timeout:     *timeout,
		Image:       []byte("veriflow-bench"),
	}
	if *imagePath != "" {
		img, err := os.ReadFile(*imagePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read image: %v\n", err)
			os.Exit(1)
		}
		opts.Image = img
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	stats, duration := runBenchmark(opts)
	printReport(os.Stdout, duration, stats, opts)
}

func (o Options) validate() error {
	if o.KeyID == "" || o.Secret == "" {
		return fmt.Errorf("-key and -secret (or VERIFLOW_KEY_ID and VERIFLOW_SECRET) are required")
	}
	if _, ok := endpoints[o.Module]; !ok {
		return fmt.Errorf("unknown module %q", o.Module)
	}
	if o.Count <= 0 || o.Concurrency <= 0 {
		return fmt.Errorf("-n and -c must be positive")
	}
	return nil
}

// requestBody builds the JSON payload for a module.
func requestBody(module string, image []byte) ([]byte, error) {
	enc := base64.StdEncoding.EncodeToString(image)
	var body any
	switch module {
	case "liveness":
		body = services.LivenessRequest{ImageLiveBase64: enc}
	case "ocr":
		body = services.OCRRequest{ImageFrontBase64: enc}
	case "validate":
		body = services.ValidateRequest{
			Detected: &domain.DocumentDetection{Type: "passport", Country: "FRA", Confidence: 0.97},
			Fields: map[string]string{
				"document_number": "BENCH0001",
				"dob":             "1990-01-01",
				"expiry_date":     "2035-01-01",
				"mrz":             "P<FRABENCH",
			},
		}
	case "face_match":
		body = services.FaceMatchRequest{ImageLiveBase64: enc, ImageRefBase64: enc}
	default:
		return nil, fmt.Errorf("unknown module %q", module)
	}
	return json.Marshal(body)
}

// clock hands out strictly increasing millisecond timestamps so concurrent
// workers never sign two identical requests.
type clock struct {
	last atomic.Int64
}

func (c *clock) next() string {
	for {
		prev := c.last.Load()
		now := time.Now().UnixMilli()
		if now <= prev {
			now = prev + 1
		}
		if c.last.CompareAndSwap(prev, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}

func runBenchmark(opts Options) (*Stats, time.Duration) {
	fmt.Printf("Starting VeriFlow Benchmark\n")
	fmt.Printf("Configuration: %d requests | %d concurrency | module %s | target %s\n",
		opts.Count, opts.Concurrency, opts.Module, opts.Target)

	stats := &Stats{Latencies: make(chan time.Duration, opts.Count)}
	body, err := requestBody(opts.Module, opts.Image)
	if err != nil {
		fmt.Printf("Build request: %v\n", err)
		close(stats.Latencies)
		return stats, 0
	}

	client := &http.Client{Timeout: opts.Timeout}
	clk := &clock{}
	path := endpoints[opts.Module]

	start := time.Now()
	var wg sync.WaitGroup
	perWorker := opts.Count / opts.Concurrency
	for i := 0; i < opts.Concurrency; i++ {
		n := perWorker
		if i == 0 {
			n += opts.Count % opts.Concurrency
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runWorker(client, clk, opts, path, body, n, stats)
		}(n)
	}
	wg.Wait()
	duration := time.Since(start)
	close(stats.Latencies)
	return stats, duration
}

func runWorker(client *http.Client, clk *clock, opts Options, path string, body []byte, count int, stats *Stats) {
	for i := 0; i < count; i++ {
		ts := clk.next()
		req, err := http.NewRequest(http.MethodPost, opts.Target+path, bytes.NewReader(body))
		if err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			atomic.AddUint64(&stats.TotalRequests, 1)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(domain.HeaderAPIKey, opts.KeyID)
		req.Header.Set(domain.HeaderTimestamp, ts)
		req.Header.Set(domain.HeaderSignature, services.SignRequest([]byte(opts.Secret), ts, http.MethodPost, path, body))

		started := time.Now()
		resp, err := client.Do(req)
		atomic.AddUint64(&stats.TotalRequests, 1)
		if err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			continue
		}
		atomic.AddUint64(&stats.BytesSent, uint64(len(body)))
		n, _ := io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		atomic.AddUint64(&stats.BytesReceived, uint64(n))

		switch {
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&stats.Success, 1)
			stats.Latencies <- time.Since(started)
		case resp.StatusCode == http.StatusTooManyRequests:
			atomic.AddUint64(&stats.Throttled, 1)
		default:
			atomic.AddUint64(&stats.Errors, 1)
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printReport(w io.Writer, duration time.Duration, stats *Stats, opts Options) {
	var rps float64
	if duration > 0 {
		rps = float64(stats.Success) / duration.Seconds()
	}
	var latencies []time.Duration
	for l := range stats.Latencies {
		latencies = append(latencies, l)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Fprintln(w, "\n============================================")
	fmt.Fprintln(w, "        VERIFLOW API PERFORMANCE REPORT      ")
	fmt.Fprintln(w, "============================================")
	fmt.Fprintf(w, "Test Duration:    %v\n", duration)
	fmt.Fprintf(w, "Module:           %s\n", opts.Module)
	fmt.Fprintf(w, "Concurrency:      %d workers\n", opts.Concurrency)
	fmt.Fprintf(w, "Throughput:       %.2f requests/sec\n", rps)
	fmt.Fprintf(w, "Data Transfer:    %.2f MB Sent | %.2f MB Received\n",
		float64(stats.BytesSent)/1024/1024, float64(stats.BytesReceived)/1024/1024)

	fmt.Fprintln(w, "\n--- Request Statistics ---")
	fmt.Fprintf(w, "Total Attempted:  %d\n", stats.TotalRequests)
	fmt.Fprintf(w, "Successful:       %d\n", stats.Success)
	fmt.Fprintf(w, "Throttled:        %d\n", stats.Throttled)
	fmt.Fprintf(w, "Failed:           %d\n", stats.Errors)
	if stats.TotalRequests > 0 {
		fmt.Fprintf(w, "Reliability:      %.2f%%\n", float64(stats.Success)/float64(stats.TotalRequests)*100)
	}

	if len(latencies) > 0 {
		fmt.Fprintln(w, "\n--- Latency Percentiles ---")
		fmt.Fprintf(w, "P50 (Median):     %v\n", percentile(latencies, 0.50))
		fmt.Fprintf(w, "P90:              %v\n", percentile(latencies, 0.90))
		fmt.Fprintf(w, "P99:              %v\n", percentile(latencies, 0.99))
		fmt.Fprintf(w, "Min:              %v\n", latencies[0])
		fmt.Fprintf(w, "Max:              %v\n", latencies[len(latencies)-1])
	}
	fmt.Fprintln(w, "============================================")
}
