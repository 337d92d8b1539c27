package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Exercises a running API end to end: configure an organization, start a
// review, complete its single vendor scope, and close the review out.
func main() {
	base := os.Getenv("ACCESSREVIEW_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	actor := os.Getenv("ACCESSREVIEW_SMOKE_ACTOR")
	if actor == "" {
		actor = "smoke-user"
	}
	org := fmt.Sprintf("smoke-org-%d", time.Now().UnixNano())

	client := &http.Client{Timeout: 10 * time.Second}

	call := func(method, path string, body any, out any, want int) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				log.Fatalf("%s %s: marshal: %v", method, path, err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, base+path, reader)
		if err != nil {
			log.Fatalf("%s %s: %v", method, path, err)
		}
		req.Header.Set("X-Actor-Id", actor)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != want {
			log.Fatalf("%s %s: status %d (want %d): %s", method, path, resp.StatusCode, want, payload)
		}
		if out != nil {
			if err := json.Unmarshal(payload, out); err != nil {
				log.Fatalf("%s %s: decode: %v", method, path, err)
			}
		}
	}

	call(http.MethodPut, "/v1/orgs/"+org+"/preference", map[string]any{
		"frequency":   "quarterly",
		"criticality": "low",
	}, nil, http.StatusOK)

	call(http.MethodPut, "/v1/orgs/"+org+"/vendors/smoke-vendor/preference", map[string]any{
		"vendor_name":  "Smoke Vendor",
		"in_scope":     true,
		"reviewer_ids": []string{},
	}, nil, http.StatusNoContent)

	var created struct {
		Review struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"review"`
		Scopes int `json:"scopes"`
	}
	call(http.MethodPost, "/v1/reviews", map[string]any{
		"organization_id": org,
		"name":            "Smoke review",
	}, &created, http.StatusCreated)
	if created.Review.Status != "in_progress" || created.Scopes != 1 {
		log.Fatalf("unexpected start state: %+v", created)
	}

	var detail struct {
		Scopes []struct {
			ID string `json:"id"`
		} `json:"scopes"`
	}
	call(http.MethodGet, "/v1/reviews/"+created.Review.ID, nil, &detail, http.StatusOK)
	if len(detail.Scopes) != 1 {
		log.Fatalf("expected one scope, got %d", len(detail.Scopes))
	}

	call(http.MethodPost, "/v1/scopes/"+detail.Scopes[0].ID+"/complete", nil, nil, http.StatusNoContent)

	var done struct {
		Status         string `json:"status"`
		FinalReportURL string `json:"final_report_url"`
	}
	call(http.MethodPost, "/v1/reviews/"+created.Review.ID+"/complete", nil, &done, http.StatusOK)
	if done.Status != "done" || done.FinalReportURL == "" {
		log.Fatalf("unexpected final state: %+v", done)
	}

	var events struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
	}
	call(http.MethodGet, "/v1/reviews/"+created.Review.ID+"/events", nil, &events, http.StatusOK)
	if len(events.Items) < 3 {
		log.Fatalf("expected create/scope/complete events, got %d", len(events.Items))
	}

	fmt.Printf("smoke test passed: review=%s report=%s\n", created.Review.ID, done.FinalReportURL)
}
