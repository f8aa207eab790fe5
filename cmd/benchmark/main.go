package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	requests    int
	workload    string
	token       string
	accountID   string
	checkoutID  string
	invoiceID   string
)

var (
	totalRequests uint64
	success2xx    uint64
	rejected400   uint64
	conflict409   uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.IntVar(&requests, "requests", 100, "Requests per worker")
	flag.StringVar(&workload, "workload", "callbacks", "Workload type: callbacks | polls | initiate")
	flag.StringVar(&token, "token", os.Getenv("SATSETTLE_TOKEN"), "Bearer token for authenticated workloads")
	flag.StringVar(&accountID, "account", "", "Account whose balance is checked before and after")
	flag.StringVar(&checkoutID, "checkout", "", "CheckoutRequestID to deliver duplicate success callbacks for")
	flag.StringVar(&invoiceID, "invoice", "", "Lightning invoice id to poll")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Requests/worker: %d", workload, concurrency, requests)

	send, err := requestFor(workload)
	if err != nil {
		log.Fatal(err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	before := balance(client)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, client, send)
	}
	wg.Wait()
	elapsed := time.Since(start)

	printResults(elapsed, before, balance(client))
}

// requestFor builds the request a workload repeats. Every workload targets a
// single payment or account so that the engine's one-winner guarantees are
// what gets measured.
func requestFor(name string) (func() (*http.Request, error), error) {
	switch name {
	case "callbacks":
		if checkoutID == "" {
			return nil, fmt.Errorf("-checkout is required for the callbacks workload")
		}
		body, _ := json.Marshal(map[string]any{
			"Body": map[string]any{"stkCallback": map[string]any{
				"MerchantRequestID": "bench",
				"CheckoutRequestID": checkoutID,
				"ResultCode":        0,
				"ResultDesc":        "The service request is processed successfully.",
				"CallbackMetadata": map[string]any{"Item": []map[string]any{
					{"Name": "Amount", "Value": 100},
					{"Name": "MpesaReceiptNumber", "Value": "BENCH" + checkoutID},
				}},
			}},
		})
		return func() (*http.Request, error) {
			return http.NewRequest(http.MethodPost, targetURL+"/api/v1/callbacks/mpesa", bytes.NewReader(body))
		}, nil
	case "polls":
		if invoiceID == "" {
			return nil, fmt.Errorf("-invoice is required for the polls workload")
		}
		return func() (*http.Request, error) {
			return authed(http.MethodGet, targetURL+"/api/v1/deposits/lightning/"+invoiceID, nil)
		}, nil
	case "initiate":
		body, _ := json.Marshal(map[string]any{"target_account_id": accountID, "amount": "100"})
		return func() (*http.Request, error) {
			return authed(http.MethodPost, targetURL+"/api/v1/deposits/mpesa", body)
		}, nil
	default:
		return nil, fmt.Errorf("unknown workload %q", name)
	}
}

func authed(method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func worker(wg *sync.WaitGroup, client *http.Client, send func() (*http.Request, error)) {
	defer wg.Done()
	for i := 0; i < requests; i++ {
		req, err := send()
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			atomic.AddUint64(&success2xx, 1)
		case resp.StatusCode == http.StatusBadRequest:
			atomic.AddUint64(&rejected400, 1)
		case resp.StatusCode == http.StatusConflict:
			atomic.AddUint64(&conflict409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// balance returns -1 when no account or token was given.
func balance(client *http.Client) int64 {
	if accountID == "" || token == "" {
		return -1
	}
	req, err := authed(http.MethodGet, targetURL+"/api/v1/accounts/"+accountID, nil)
	if err != nil {
		return -1
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("balance check failed: %v", err)
		return -1
	}
	defer resp.Body.Close()
	var out struct {
		BalanceSats int64 `json:"balance_sats"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&out) != nil {
		return -1
	}
	return out.BalanceSats
}

func printResults(d time.Duration, before, after int64) {
	total := atomic.LoadUint64(&totalRequests)

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"success_2xx":    atomic.LoadUint64(&success2xx),
		"rejected_400":   atomic.LoadUint64(&rejected400),
		"conflict_409":   atomic.LoadUint64(&conflict409),
		"errors":         atomic.LoadUint64(&failOther),
	}
	if before >= 0 && after >= 0 {
		results["balance_before_sats"] = before
		results["balance_after_sats"] = after
		results["balance_delta_sats"] = after - before
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("cannot save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
