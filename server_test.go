package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func reportQueryContext(t *testing.T, rawQuery string) *gin.Context {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req, err := http.NewRequest(http.MethodGet, "/internal/reports/movements?"+rawQuery, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	c.Request = req
	return c
}

func TestReportWindowParsesDates(t *testing.T) {
	c := reportQueryContext(t, "from=2026-08-01&to=2026-08-31")
	from, to, err := reportWindow(c)
	if err != nil {
		t.Fatalf("reportWindow: %v", err)
	}
	if got := time.Time(from); got.Year() != 2026 || got.Month() != time.August || got.Day() != 1 {
		t.Fatalf("unexpected from date %v", got)
	}
	if got := time.Time(to); got.Day() != 31 {
		t.Fatalf("unexpected to date %v", got)
	}
}

func TestReportWindowRejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		query string
	}{
		{"missing from", "to=2026-08-31"},
		{"missing to", "from=2026-08-01"},
		{"malformed from", "from=01-08-2026&to=2026-08-31"},
		{"inverted window", "from=2026-08-31&to=2026-08-01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := reportQueryContext(t, tc.query)
			if _, _, err := reportWindow(c); err == nil {
				t.Fatalf("expected error for %q", tc.query)
			}
		})
	}
}
