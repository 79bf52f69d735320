// loadgen dispara requests num ritmo fixo contra o gateway e resume os status
// e headers de cota recebidos. Serve para validar limites na mão.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

type headerFlags []string

func (h *headerFlags) String() string     { return strings.Join(*h, ",") }
func (h *headerFlags) Set(v string) error { *h = append(*h, v); return nil }

type result struct {
	status    int
	remaining string
	retry     string
	err       error
}

func main() {
	var (
		target  = flag.String("url", "http://localhost:8080/orders", "target URL")
		method  = flag.String("method", http.MethodGet, "HTTP method")
		total   = flag.Int("n", 120, "number of requests")
		rps     = flag.Float64("rps", 20, "requests per second")
		workers = flag.Int("c", 4, "concurrent workers")
		headers headerFlags
	)
	flag.Var(&headers, "H", "extra header 'Name: value' (repeatable), e.g. -H 'X-API-Key: svc-1'")
	flag.Parse()

	if *total <= 0 || *rps <= 0 || *workers <= 0 {
		log.Fatal("n, rps and c must be > 0")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := rate.NewLimiter(rate.Limit(*rps), 1)
	client := &http.Client{Timeout: 10 * time.Second}

	jobs := make(chan int)
	results := make(chan result, *total)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				results <- send(ctx, client, *method, *target, headers)
			}
		}()
	}

	start := time.Now()
	for i := 0; i < *total; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(results)

	report(os.Stdout, results, time.Since(start))
}

func send(ctx context.Context, client *http.Client, method, target string, headers headerFlags) result {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return result{err: err}
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return result{err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return result{
		status:    resp.StatusCode,
		remaining: resp.Header.Get("X-RateLimit-Remaining"),
		retry:     resp.Header.Get("Retry-After"),
	}
}

func report(w io.Writer, results <-chan result, elapsed time.Duration) {
	byStatus := make(map[int]int)
	var errs, sent int
	var lastRemaining, lastRetry string
	for r := range results {
		sent++
		if r.err != nil {
			errs++
			continue
		}
		byStatus[r.status]++
		if r.remaining != "" {
			lastRemaining = r.remaining
		}
		if r.retry != "" {
			lastRetry = r.retry
		}
	}

	codes := make([]int, 0, len(byStatus))
	for c := range byStatus {
		codes = append(codes, c)
	}
	sort.Ints(codes)

	_, _ = fmt.Fprintf(w, "sent %d requests in %s\n", sent, elapsed.Round(time.Millisecond))
	for _, c := range codes {
		_, _ = fmt.Fprintf(w, "  %d %s: %d\n", c, http.StatusText(c), byStatus[c])
	}
	if errs > 0 {
		_, _ = fmt.Fprintf(w, "  transport errors: %d\n", errs)
	}
	if lastRemaining != "" {
		_, _ = fmt.Fprintf(w, "last X-RateLimit-Remaining: %s\n", lastRemaining)
	}
	if lastRetry != "" {
		_, _ = fmt.Fprintf(w, "last Retry-After: %s\n", lastRetry)
	}
}
