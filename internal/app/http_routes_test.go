package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"beacon/api/internal/gitrepo"
	"beacon/api/internal/ratelimit"
	"beacon/api/internal/search"
	"beacon/api/internal/store"
)

func TestHealthAndReadiness(t *testing.T) {
	t.Run("health is always ok", func(t *testing.T) {
		handler := newTestHandler(newTestService(t, &fakeStore{}))
		rr := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if payload := decodePayload(t, rr); payload["ok"] != true {
			t.Fatalf("expected ok payload, got %v", payload)
		}
	})

	t.Run("ready reports database check", func(t *testing.T) {
		handler := newTestHandler(newTestService(t, &fakeStore{}))
		rr := doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		payload := decodePayload(t, rr)
		if payload["status"] != "ready" {
			t.Fatalf("expected ready status, got %v", payload["status"])
		}
		checks := payload["checks"].(map[string]any)
		database := checks["database"].(map[string]any)
		if database["status"] != "ok" {
			t.Fatalf("expected database ok, got %v", database)
		}
	})

	t.Run("ready degrades when the database is down", func(t *testing.T) {
		fs := &fakeStore{pingFn: func(ctx context.Context) error {
			return errors.New("connection refused")
		}}
		handler := newTestHandler(newTestService(t, fs))
		rr := doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		payload := decodePayload(t, rr)
		if payload["status"] != "not_ready" || payload["ok"] != false {
			t.Fatalf("expected not_ready payload, got %v", payload)
		}
		database := payload["checks"].(map[string]any)["database"].(map[string]any)
		if database["status"] != "error" || database["error"] != "connection refused" {
			t.Fatalf("expected database error detail, got %v", database)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestHandler(newTestService(t, &fakeStore{}))
	rr := doJSON(t, handler, http.MethodOptions, "/api/funnels", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected wildcard origin, got %q", origin)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestUnknownRoute(t *testing.T) {
	svc, handler, user := authFixture(t, "owner")
	token := issueTestToken(t, svc, user)

	t.Run("authenticated requests get 404", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/api/nope", token, nil)
		assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
	})

	t.Run("session check runs before routing", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/api/nope", "", nil)
		assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
	})
}

func TestSearchEndpoint(t *testing.T) {
	svc, handler, user := authFixture(t, "staff")
	token := issueTestToken(t, svc, user)
	svc.search.(*fakeSearch).response = search.Response{
		Results: []search.Result{{Kind: search.KindPage, ID: "pag_9", Title: "Implant pricing", BusinessID: "biz_1"}},
		Total:   1,
		Query:   "implant",
	}

	t.Run("returns matches", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/api/search?q=implant", token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		payload := decodePayload(t, rr)
		results := payload["results"].([]any)
		if len(results) != 1 || payload["total"] != float64(1) {
			t.Fatalf("unexpected search payload: %v", payload)
		}
		if title := results[0].(map[string]any)["title"]; title != "Implant pricing" {
			t.Errorf("expected result title, got %v", title)
		}
	})

	t.Run("rejects non-numeric limit", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/api/search?q=implant&limit=abc", token, nil)
		assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})

	t.Run("rejects non-numeric offset", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/api/search?q=implant&offset=x", token, nil)
		assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})

	t.Run("requires query text", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/api/search?q=%20", token, nil)
		assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})
}

func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, handler http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Beacon-Signature", signature)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestBookingWebhookSignature(t *testing.T) {
	const secret = "hook-secret"
	fs := &fakeStore{getBusinessBySlugFn: func(ctx context.Context, slug string) (store.Business, error) {
		if slug != "glow-dental" {
			return store.Business{}, sql.ErrNoRows
		}
		return testBusiness(), nil
	}}
	handler := NewHTTPServer(newTestService(t, fs), "*", secret, nil).Handler()

	body, err := json.Marshal(map[string]any{
		"businessSlug": "glow-dental",
		"ref":          "cal-301",
		"status":       "scheduled",
		"customerName": "Ada Lovelace",
	})
	if err != nil {
		t.Fatalf("encode webhook body: %v", err)
	}

	t.Run("disabled without a configured secret", func(t *testing.T) {
		open := newTestHandler(newTestService(t, fs))
		rr := postWebhook(t, open, body, signWebhook(secret, body))
		assertErrorCode(t, rr, http.StatusServiceUnavailable, "WEBHOOK_DISABLED")
	})

	t.Run("rejects a missing signature", func(t *testing.T) {
		rr := postWebhook(t, handler, body, "")
		assertErrorCode(t, rr, http.StatusUnauthorized, "INVALID_SIGNATURE")
	})

	t.Run("rejects a wrong signature", func(t *testing.T) {
		rr := postWebhook(t, handler, body, signWebhook("other-secret", body))
		assertErrorCode(t, rr, http.StatusUnauthorized, "INVALID_SIGNATURE")
	})

	t.Run("rejects a signature over different bytes", func(t *testing.T) {
		rr := postWebhook(t, handler, body, signWebhook(secret, append([]byte(nil), body[1:]...)))
		assertErrorCode(t, rr, http.StatusUnauthorized, "INVALID_SIGNATURE")
	})

	t.Run("accepts a valid signature", func(t *testing.T) {
		rr := postWebhook(t, handler, body, signWebhook(secret, body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		payload := decodePayload(t, rr)
		if payload["ok"] != true || payload["status"] != "scheduled" {
			t.Fatalf("unexpected webhook payload: %v", payload)
		}
		id, _ := payload["bookingId"].(string)
		if !strings.HasPrefix(id, "bkg") {
			t.Errorf("expected a booking id, got %q", id)
		}
	})

	t.Run("accepts uppercase hex", func(t *testing.T) {
		rr := postWebhook(t, handler, body, strings.ToUpper(signWebhook(secret, body)))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("validates the payload only after the signature", func(t *testing.T) {
		bad, err := json.Marshal(map[string]any{"businessSlug": "glow-dental", "ref": "cal-302", "status": "teleported"})
		if err != nil {
			t.Fatalf("encode webhook body: %v", err)
		}
		rr := postWebhook(t, handler, bad, signWebhook(secret, bad))
		assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})
}

// publicFunnelFixture seeds a published funnel whose content lives on the
// published branch of a real on-disk repository.
func publicFunnelFixture(t *testing.T, status string) http.Handler {
	t.Helper()
	fs := &fakeStore{
		getBusinessBySlugFn: func(ctx context.Context, slug string) (store.Business, error) {
			if slug != "glow-dental" {
				return store.Business{}, sql.ErrNoRows
			}
			return testBusiness(), nil
		},
		getFunnelBySlugFn: func(ctx context.Context, businessID, slug string) (store.Funnel, error) {
			if businessID != "biz_1" || slug != "implant-consults" {
				return store.Funnel{}, sql.ErrNoRows
			}
			return store.Funnel{ID: "fun_1", BusinessID: "biz_1", Name: "Implant Consults", Slug: "implant-consults", Status: status}, nil
		},
	}
	svc := newTestService(t, fs)
	content := gitrepo.FunnelContent{
		Name: "Implant Consults",
		Slug: "implant-consults",
		Pages: []gitrepo.PageContent{
			{ID: "pag_2", Title: "Pricing", Slug: "pricing", Position: 2, ContentMode: "markdown", Content: "## Plans"},
			{ID: "pag_1", Title: "Welcome", Slug: "welcome", Position: 1, ContentMode: "markdown", Content: "# Welcome to Glow"},
		},
	}
	if err := svc.git.EnsureFunnelRepo("fun_1", content, "Test User"); err != nil {
		t.Fatalf("seed funnel repo: %v", err)
	}
	return newTestHandler(svc)
}

func TestPublicFunnelPages(t *testing.T) {
	t.Run("serves the published funnel", func(t *testing.T) {
		handler := publicFunnelFixture(t, "published")
		rr := doJSON(t, handler, http.MethodGet, "/p/glow-dental/implant-consults", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		payload := decodePayload(t, rr)
		pages := payload["pages"].([]any)
		if len(pages) != 2 {
			t.Fatalf("expected 2 pages, got %d", len(pages))
		}
		if title := pages[0].(map[string]any)["title"]; title != "Welcome" {
			t.Errorf("expected pages ordered by position, got first title %v", title)
		}
		page := payload["page"].(map[string]any)
		if html, _ := page["html"].(string); !strings.Contains(html, "<h1>Welcome to Glow</h1>") {
			t.Errorf("expected rendered markdown, got %q", html)
		}
	})

	t.Run("serves a page by slug", func(t *testing.T) {
		handler := publicFunnelFixture(t, "published")
		rr := doJSON(t, handler, http.MethodGet, "/p/glow-dental/implant-consults/pricing", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		payload := decodePayload(t, rr)
		if html, _ := payload["html"].(string); !strings.Contains(html, "<h2>Plans</h2>") {
			t.Errorf("expected rendered markdown, got %q", html)
		}
	})

	t.Run("hides draft funnels", func(t *testing.T) {
		handler := publicFunnelFixture(t, "draft")
		rr := doJSON(t, handler, http.MethodGet, "/p/glow-dental/implant-consults", "", nil)
		assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
	})

	t.Run("unknown page slug", func(t *testing.T) {
		handler := publicFunnelFixture(t, "published")
		rr := doJSON(t, handler, http.MethodGet, "/p/glow-dental/implant-consults/nope", "", nil)
		assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
	})
}

func TestReviewLinkRedirect(t *testing.T) {
	var clicked string
	fs := &fakeStore{
		getReviewRequestByTokenFn: func(ctx context.Context, token string) (store.ReviewRequest, error) {
			if token != "tok123" {
				return store.ReviewRequest{}, sql.ErrNoRows
			}
			return store.ReviewRequest{ID: "rvq_1", BusinessID: "biz_1", Token: "tok123"}, nil
		},
		markReviewRequestClickedFn: func(ctx context.Context, requestID string) error {
			clicked = requestID
			return nil
		},
		getBusinessFn: func(ctx context.Context, businessID string) (store.Business, error) {
			return testBusiness(), nil
		},
	}
	handler := newTestHandler(newTestService(t, fs))

	t.Run("redirects to the review link", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/r/tok123", "", nil)
		if rr.Code != http.StatusFound {
			t.Fatalf("expected 302, got %d: %s", rr.Code, rr.Body.String())
		}
		if loc := rr.Header().Get("Location"); loc != "https://g.page/glow-dental/review" {
			t.Errorf("expected review link location, got %q", loc)
		}
		if clicked != "rvq_1" {
			t.Errorf("expected click recorded for rvq_1, got %q", clicked)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodGet, "/r/unknown", "", nil)
		assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
	})
}

func TestPublicSubmitRateLimit(t *testing.T) {
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.New(client, 1, time.Minute)

	fs := &fakeStore{
		getFormFn: func(ctx context.Context, formID string) (store.Form, error) {
			if formID != "frm_1" {
				return store.Form{}, sql.ErrNoRows
			}
			return store.Form{
				ID:         "frm_1",
				BusinessID: "biz_1",
				Name:       "Consult Request",
				Fields:     `[{"key":"name","label":"Name","type":"text","required":true},{"key":"email","label":"Email","type":"email","required":true}]`,
			}, nil
		},
		getBusinessFn: func(ctx context.Context, businessID string) (store.Business, error) {
			return testBusiness(), nil
		},
	}
	handler := NewHTTPServer(newTestService(t, fs), "*", "", limiter).Handler()
	body := map[string]any{"values": map[string]any{"name": "Ada Lovelace", "email": "ada@example.com"}}

	rr := doJSON(t, handler, http.MethodPost, "/p/forms/frm_1/submit", "", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first submit, got %d: %s", rr.Code, rr.Body.String())
	}
	if payload := decodePayload(t, rr); payload["message"] != "Thanks, we received your submission." {
		t.Fatalf("unexpected submit payload: %v", payload)
	}

	// httptest requests share a RemoteAddr, so the second submit lands in
	// the same window.
	rr = doJSON(t, handler, http.MethodPost, "/p/forms/frm_1/submit", "", body)
	assertErrorCode(t, rr, http.StatusTooManyRequests, "RATE_LIMITED")
}

func TestPublicSubmitBodyShapes(t *testing.T) {
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.New(client, 100, time.Minute)

	var submitted []store.FormSubmission
	fs := &fakeStore{
		getFormFn: func(ctx context.Context, formID string) (store.Form, error) {
			return store.Form{
				ID:         "frm_1",
				BusinessID: "biz_1",
				Name:       "Consult Request",
				Fields:     `[{"key":"name","label":"Name","type":"text","required":true},{"key":"email","label":"Email","type":"email","required":true}]`,
			}, nil
		},
		getBusinessFn: func(ctx context.Context, businessID string) (store.Business, error) {
			return testBusiness(), nil
		},
		insertSubmissionFn: func(ctx context.Context, submission store.FormSubmission) error {
			submitted = append(submitted, submission)
			return nil
		},
	}
	handler := NewHTTPServer(newTestService(t, fs), "*", "", limiter).Handler()

	t.Run("bare field map", func(t *testing.T) {
		body := map[string]any{"name": "Ada Lovelace", "email": "ada@example.com"}
		rr := doJSON(t, handler, http.MethodPost, "/p/forms/frm_1/submit", "", body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := submitted[len(submitted)-1]; got.ContactEmail != "ada@example.com" {
			t.Errorf("expected the bare map treated as values, got %+v", got)
		}
	})

	t.Run("envelope with pageId", func(t *testing.T) {
		body := map[string]any{
			"pageId": "pag_1",
			"values": map[string]any{"name": "Ada Lovelace", "email": "ada@example.com"},
		}
		rr := doJSON(t, handler, http.MethodPost, "/p/forms/frm_1/submit", "", body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := submitted[len(submitted)-1]; got.ContactName != "Ada Lovelace" {
			t.Errorf("expected the envelope values unwrapped, got %+v", got)
		}
	})

	t.Run("bare map still validates required fields", func(t *testing.T) {
		rr := doJSON(t, handler, http.MethodPost, "/p/forms/frm_1/submit", "", map[string]any{"name": "Ada"})
		assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})
}
