// Package loki ships zerolog output to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
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
)

// pushPath is appended to Config.URL.
const pushPath = "/loki/api/v1/push"

// maxReportedErrors limits how many flush failures are printed to stderr.
const maxReportedErrors = 3

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static labels on every stream; job defaults to "dochub"
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
	Client        *http.Client      // Optional; built from Timeout when nil
	ErrorOutput   io.Writer         // Flush failures are reported here (default: os.Stderr)
}

// Writer implements io.Writer and pushes zerolog JSON lines to Loki. Lines
// are buffered and sent in batches, one stream per log level.
type Writer struct {
	url     string
	labels  map[string]string
	client  *http.Client
	timeout time.Duration
	errOut  io.Writer

	mu        sync.Mutex
	buffer    []entry
	batchSize int

	flushInterval time.Duration
	flushTrigger  chan struct{}
	flushMu       sync.Mutex
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	flushErrors atomic.Uint64
}

type entry struct {
	timestamp time.Time
	level     string
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a writer. Call Start to begin periodic flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.ErrorOutput == nil {
		cfg.ErrorOutput = os.Stderr
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "dochub"
	}

	return &Writer{
		url:           strings.TrimSuffix(cfg.URL, "/"),
		labels:        labels,
		client:        cfg.Client,
		timeout:       cfg.Timeout,
		errOut:        cfg.ErrorOutput,
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

// levelOf extracts the zerolog level field of a JSON line.
func levelOf(line string) string {
	var fields struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &fields); err != nil || fields.Level == "" {
		return "unknown"
	}
	return fields.Level
}

// Write buffers one log line. It never fails so that an unreachable Loki
// cannot disrupt logging.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), level: levelOf(line), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Flush()
			case <-w.flushTrigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the flush loop and sends whatever is still buffered.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.Flush()
}

// Flush sends buffered entries now. Failed batches are dropped and counted.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.push(ctx, entries); err != nil {
		if n := w.flushErrors.Add(1); n <= maxReportedErrors {
			_, _ = fmt.Fprintf(w.errOut, "loki: %v\n", err)
		}
	}
}

// push sends entries grouped into one stream per level.
func (w *Writer) push(ctx context.Context, entries []entry) error {
	data, err := json.Marshal(w.payload(entries))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+pushPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Writer) payload(entries []entry) pushRequest {
	w.mu.Lock()
	base := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		base[k] = v
	}
	w.mu.Unlock()

	byLevel := make(map[string][][2]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], [2]string{
			strconv.FormatInt(e.timestamp.UnixNano(), 10),
			e.line,
		})
	}

	levels := make([]string, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, level := range levels {
		labels := make(map[string]string, len(base)+1)
		for k, v := range base {
			labels[k] = v
		}
		labels["level"] = level
		req.Streams = append(req.Streams, stream{Stream: labels, Values: byLevel[level]})
	}
	return req
}

// FlushErrors returns the number of failed flushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// SetLabels merges labels into the static stream labels.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}
