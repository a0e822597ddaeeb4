// Command operator drives the digestd admin API: it logs in, submits a few
// notifications and prints the stored records.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"
)

type digestsResponse struct {
	Digests []struct {
		ID       string   `json:"id"`
		Periods  []string `json:"periods"`
		Messages int      `json:"messages"`
	} `json:"digests"`
	Total int `json:"total"`
}

func main() {
	baseURL := getenvDefault("DIGESTD_URL", "http://localhost:3025")
	operator := getenvDefault("DIGESTD_OPERATOR", "ops@example.com")
	password := os.Getenv("OPERATOR_PASSWORD")

	client := newClient()

	fmt.Println("Logging in as", operator)
	mustClose(mustDo(client, http.MethodPost, baseURL+"/api/login", jsonBody(map[string]string{
		"email":    operator,
		"password": password,
	})))

	for i, to := range []string{"alice", "bob", "alice"} {
		payload := map[string]string{
			"to":      to,
			"subject": fmt.Sprintf("Ticket %d updated", i+1),
			"body":    "Status changed to resolved.",
		}
		mustClose(mustDo(client, http.MethodPost, baseURL+"/api/digests", jsonBody(payload)))
	}

	// Submissions land on the next drain tick.
	time.Sleep(2 * time.Second)

	resp := mustDo(client, http.MethodGet, baseURL+"/api/digests?limit=10", nil)
	defer resp.Body.Close()
	var out digestsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		panic(err)
	}
	fmt.Printf("%d digest records\n", out.Total)
	for _, d := range out.Digests {
		fmt.Printf("- %s periods=%v messages=%d\n", d.ID, d.Periods, d.Messages)
	}
}

func newClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: 10 * time.Second,
		Jar:     jar,
	}
}

func jsonBody(v any) io.Reader {
	payload, _ := json.Marshal(v)
	return bytes.NewReader(payload)
}

func mustDo(client *http.Client, method, url string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	return resp
}

func mustClose(resp *http.Response) {
	_ = resp.Body.Close()
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
