package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultProbePages are the status pages served by common serial-to-Ethernet converters.
var DefaultProbePages = []string{"status.shtml", "status", "api/status", "status.json", "ipconfig.shtml"}

// DefaultProbePorts are the TCP ports such converters usually listen on.
var DefaultProbePorts = []int{23, 80, 8080, 8899, 1030, 1031}

// ProbeConfig describes what to look for on the converter.
type ProbeConfig struct {
	Host     string
	Username string
	Password string

	// WebPort is the converter's HTTP port
	WebPort int

	Pages   []string
	Ports   []int
	Timeout time.Duration

	// SnippetSize limits how much of each page is kept
	SnippetSize int
}

// PageResult is the outcome of fetching one status page.
type PageResult struct {
	Path        string `json:"path"`
	StatusCode  int    `json:"status_code,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ProbeReport collects everything learned about the converter.
type ProbeReport struct {
	Host      string       `json:"host"`
	Reachable bool         `json:"reachable"`
	Pages     []PageResult `json:"pages"`
	OpenPorts []int        `json:"open_ports"`
	Duration  string       `json:"duration"`
}

// Probe inspects the converter's web interface and scans its usual ports.
// It is a diagnostic aid; nothing here is used on the control path.
func Probe(ctx context.Context, cfg ProbeConfig) ProbeReport {
	if cfg.WebPort == 0 {
		cfg.WebPort = 80
	}
	if cfg.Pages == nil {
		cfg.Pages = DefaultProbePages
	}
	if cfg.Ports == nil {
		cfg.Ports = DefaultProbePorts
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SnippetSize == 0 {
		cfg.SnippetSize = 500
	}

	start := time.Now()
	report := ProbeReport{Host: cfg.Host}
	client := &http.Client{Timeout: cfg.Timeout}
	base := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.WebPort)) + "/"

	root := fetchPage(ctx, client, cfg, base, "")
	report.Reachable = root.Error == ""

	if report.Reachable {
		for _, page := range cfg.Pages {
			report.Pages = append(report.Pages, fetchPage(ctx, client, cfg, base, page))
		}
	}

	report.OpenPorts = scanPorts(ctx, cfg.Host, cfg.Ports, cfg.Timeout)
	report.Duration = time.Since(start).Round(time.Millisecond).String()
	return report
}

func fetchPage(ctx context.Context, client *http.Client, cfg ProbeConfig, base, page string) PageResult {
	result := PageResult{Path: "/" + page}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+page, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(cfg.SnippetSize)+1))
	if err != nil {
		result.Error = fmt.Sprintf("read body: %v", err)
		return result
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > cfg.SnippetSize {
		snippet = snippet[:cfg.SnippetSize] + "..."
	}
	result.Snippet = snippet
	return result
}

// scanPorts returns the ports accepting TCP connections, in the order given.
func scanPorts(ctx context.Context, host string, ports []int, timeout time.Duration) []int {
	open := make([]bool, len(ports))
	var wg sync.WaitGroup

	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				return
			}
			conn.Close()
			open[i] = true
		}(i, port)
	}
	wg.Wait()

	seen := make(map[int]bool)
	result := []int{}
	for i, port := range ports {
		if open[i] && !seen[port] {
			seen[port] = true
			result = append(result, port)
		}
	}
	return result
}
