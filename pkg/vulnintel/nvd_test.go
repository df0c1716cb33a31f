package vulnintel_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/ratelimit"
	"github.com/sentinel-platform/sentinel/core/pkg/vulnintel"
)

func fastNVD(url, apiKey string) *vulnintel.NVDClient {
	return vulnintel.NewNVDClient(vulnintel.NVDConfig{
		BaseURL:        url,
		APIKey:         apiKey,
		Limiter:        ratelimit.NewTokenBucket(10000, 1),
		RetryBaseDelay: time.Millisecond,
	})
}

func nvdVuln(id string, score float64, vector string) map[string]any {
	return map[string]any{
		"cve": map[string]any{
			"id":        id,
			"published": "2024-01-15T10:15:09.143",
			"descriptions": []map[string]any{
				{"lang": "es", "value": "descripción"},
				{"lang": "en", "value": "remote code execution in " + id},
			},
			"metrics": map[string]any{
				"cvssMetricV31": []map[string]any{
					{"cvssData": map[string]any{"baseScore": score, "vectorString": vector}},
				},
			},
		},
	}
}

func TestSearchCVEsPaginates(t *testing.T) {
	var requests []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		requests = append(requests, map[string]string{
			"keywordSearch":  q.Get("keywordSearch"),
			"startIndex":     q.Get("startIndex"),
			"resultsPerPage": q.Get("resultsPerPage"),
		})
		page := map[string]any{"totalResults": 3, "resultsPerPage": 2}
		switch q.Get("startIndex") {
		case "0":
			page["startIndex"] = 0
			page["vulnerabilities"] = []map[string]any{
				nvdVuln("CVE-2024-0001", 9.8, "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"),
				nvdVuln("CVE-2024-0002", 5.3, "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:N/A:N"),
			}
		default:
			page["startIndex"] = 2
			page["vulnerabilities"] = []map[string]any{
				nvdVuln("CVE-2024-0003", 7.5, "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:H"),
			}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := fastNVD(srv.URL, "")
	records, err := c.SearchCVEs(context.Background(), "nginx 1.25", 50)
	require.NoError(t, err)

	require.Len(t, requests, 2)
	assert.Equal(t, "nginx 1.25", requests[0]["keywordSearch"])
	assert.Equal(t, "0", requests[0]["startIndex"])
	assert.Equal(t, "50", requests[0]["resultsPerPage"])
	assert.Equal(t, "2", requests[1]["startIndex"])

	require.Len(t, records, 3)
	first := records[0]
	assert.Equal(t, "CVE-2024-0001", first.CVEID)
	assert.Equal(t, "remote code execution in CVE-2024-0001", first.Description)
	require.NotNil(t, first.CVSSScore)
	assert.InDelta(t, 9.8, *first.CVSSScore, 1e-9)
	assert.Equal(t, "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H", first.CVSSVector)
	require.NotNil(t, first.PublishedDate)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 15, 9, 143000000, time.UTC), *first.PublishedDate)
	assert.Equal(t, "CVE-2024-0003", records[2].CVEID)
}

func TestSearchCVEsTruncatesToMaxResults(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "2", r.URL.Query().Get("resultsPerPage"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalResults": 10,
			"vulnerabilities": []map[string]any{
				nvdVuln("CVE-2024-1001", 4.0, "v"),
				nvdVuln("CVE-2024-1002", 4.0, "v"),
			},
		})
	}))
	defer srv.Close()

	c := fastNVD(srv.URL, "")
	records, err := c.SearchCVEs(context.Background(), "apache", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, records, 2)
}

func TestSearchCVEsStopsOnEmptyPage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// A feed that advertises results it never returns must not loop.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalResults":    5,
			"vulnerabilities": []any{},
		})
	}))
	defer srv.Close()

	c := fastNVD(srv.URL, "")
	records, err := c.SearchCVEs(context.Background(), "ghost", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, records)
}

func TestSearchCVEsHandlesUnscoredRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalResults": 1,
			"vulnerabilities": []map[string]any{
				{"cve": map[string]any{
					"id":           "CVE-2024-9999",
					"descriptions": []map[string]any{{"lang": "en", "value": "awaiting analysis"}},
				}},
			},
		})
	}))
	defer srv.Close()

	c := fastNVD(srv.URL, "")
	records, err := c.SearchCVEs(context.Background(), "new thing", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].CVSSScore)
	assert.Empty(t, records[0].CVSSVector)
	assert.Nil(t, records[0].PublishedDate)
}

func TestGetCVE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cveId") == "CVE-2021-44228" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"totalResults": 1,
				"vulnerabilities": []map[string]any{
					nvdVuln("CVE-2021-44228", 10.0, "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H"),
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"totalResults": 0, "vulnerabilities": []any{}})
	}))
	defer srv.Close()

	c := fastNVD(srv.URL, "")

	rec, err := c.GetCVE(context.Background(), "CVE-2021-44228")
	require.NoError(t, err)
	assert.Equal(t, "CVE-2021-44228", rec.CVEID)
	require.NotNil(t, rec.CVSSScore)
	assert.InDelta(t, 10.0, *rec.CVSSScore, 1e-9)

	_, err = c.GetCVE(context.Background(), "CVE-0000-0000")
	require.Error(t, err)
	assert.ErrorIs(t, err, vulnintel.ErrNotFound)
}

func TestNVDAPIKeyHeader(t *testing.T) {
	var gotKey string
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apiKey")
		gotAccept = r.Header.Get("Accept")
		_ = json.NewEncoder(w).Encode(map[string]any{"totalResults": 0, "vulnerabilities": []any{}})
	}))
	defer srv.Close()

	_, err := fastNVD(srv.URL, "nvd-key-1").SearchCVEs(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Equal(t, "nvd-key-1", gotKey)
	assert.Equal(t, "application/json", gotAccept)

	_, err = fastNVD(srv.URL, "").SearchCVEs(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Empty(t, gotKey)
}

func TestNVDRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "throttled", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"totalResults": 0, "vulnerabilities": []any{}})
	}))
	defer srv.Close()

	_, err := fastNVD(srv.URL, "").SearchCVEs(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestNVDClientErrorFailsFast(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := fastNVD(srv.URL, "").SearchCVEs(context.Background(), "x", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1, attempts)
	assert.False(t, errors.Is(err, vulnintel.ErrNotFound))
}
