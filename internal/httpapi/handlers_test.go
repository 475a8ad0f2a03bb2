package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func doRequest(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func registerDevice(t *testing.T, srv *Server, name string) map[string]any {
	t.Helper()
	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/register", map[string]any{
		"name":        name,
		"device_type": "temperature",
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Device map[string]any `json:"device"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp.Device
}

func TestRegisterThenDuplicateNameConflicts(t *testing.T) {
	srv := newTestServer(t)
	dev := registerDevice(t, srv, "sensor-alpha")
	if apiKey, _ := dev["api_key"].(string); len(apiKey) != 32 {
		t.Fatalf("api_key length = %d, want 32", len(apiKey))
	}

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/register", map[string]any{"name": "sensor-alpha"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["error"] != "Conflict" {
		t.Fatalf("error kind = %v, want Conflict", resp["error"])
	}
	wantID, _ := dev["id"].(float64)
	gotID, _ := resp["existing_id"].(float64)
	if gotID != wantID {
		t.Fatalf("existing_id = %v, want %v", resp["existing_id"], wantID)
	}
}

func TestRegisterRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/register", map[string]any{
		"name": "sensor-x", "made_up_field": "nope",
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rr.Code, rr.Body.String())
	}
}

func TestTelemetrySubmitAndQueryLatest(t *testing.T) {
	srv := newTestServer(t)
	dev := registerDevice(t, srv, "sensor-beta")
	apiKey, _ := dev["api_key"].(string)
	deviceID := strconv.FormatFloat(dev["id"].(float64), 'f', 0, 64)

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/telemetry", map[string]any{
		"data": map[string]any{"temperature": 21.5},
	}, map[string]string{"X-API-Key": apiKey})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("telemetry submit status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, srv, http.MethodGet, "/api/v1/telemetry/"+deviceID+"/latest?measurement=temperature", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("latest status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var latest map[string]any
	json.Unmarshal(rr.Body.Bytes(), &latest)
	if latest["value"] != 21.5 {
		t.Fatalf("latest value = %v, want 21.5", latest["value"])
	}
}

func TestTelemetryLatestWithoutMeasurementFilter(t *testing.T) {
	srv := newTestServer(t)
	dev := registerDevice(t, srv, "sensor-beta-2")
	apiKey, _ := dev["api_key"].(string)
	deviceID := strconv.FormatFloat(dev["id"].(float64), 'f', 0, 64)

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/telemetry", map[string]any{
		"data": map[string]any{"temperature": 21.5},
	}, map[string]string{"X-API-Key": apiKey})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("telemetry submit status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, srv, http.MethodGet, "/api/v1/telemetry/"+deviceID+"/latest", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("latest status = %d, want 200 with no measurement filter, body = %s", rr.Code, rr.Body.String())
	}
	var latest map[string]any
	json.Unmarshal(rr.Body.Bytes(), &latest)
	if latest["value"] != 21.5 {
		t.Fatalf("latest value = %v, want 21.5", latest["value"])
	}
}

func TestTelemetryAggregatedRequiresMeasurement(t *testing.T) {
	srv := newTestServer(t)
	dev := registerDevice(t, srv, "sensor-beta-3")
	deviceID := strconv.FormatFloat(dev["id"].(float64), 'f', 0, 64)

	rr := doRequest(t, srv, http.MethodGet, "/api/v1/telemetry/"+deviceID+"/aggregated?window=5m", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a measurement filter, body = %s", rr.Code, rr.Body.String())
	}
}

func TestTelemetrySubmitRejectsUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/telemetry", map[string]any{
		"data": map[string]any{"temperature": 21.5},
	}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rr.Code, rr.Body.String())
	}
}

func TestTelemetrySubmitPartialWriteOnTypeConflict(t *testing.T) {
	srv := newTestServer(t)
	dev := registerDevice(t, srv, "sensor-gamma")
	apiKey, _ := dev["api_key"].(string)

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/telemetry", map[string]any{
		"data": map[string]any{"temperature": 21.5},
	}, map[string]string{"X-API-Key": apiKey})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rr.Code)
	}

	rr = doRequest(t, srv, http.MethodPost, "/api/v1/devices/telemetry", map[string]any{
		"data": map[string]any{"temperature": "not-a-number", "humidity": 55},
	}, map[string]string{"X-API-Key": apiKey})
	if rr.Code != http.StatusMultiStatus {
		t.Fatalf("conflicting submit status = %d, want 207, body = %s", rr.Code, rr.Body.String())
	}
}

func TestDeviceStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	dev := registerDevice(t, srv, "sensor-delta")
	apiKey, _ := dev["api_key"].(string)

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/devices/heartbeat", nil, map[string]string{"X-API-Key": apiKey})
	if rr.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, srv, http.MethodGet, "/api/v1/devices/status", nil, map[string]string{"X-API-Key": apiKey})
	if rr.Code != http.StatusOK {
		t.Fatalf("status endpoint status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var status map[string]any
	json.Unmarshal(rr.Body.Bytes(), &status)
	if status["is_online"] != true {
		t.Fatalf("is_online = %v, want true", status["is_online"])
	}
	if status["status_source"] != "cache" {
		t.Fatalf("status_source = %v, want cache", status["status_source"])
	}
}

func TestAdminEndpointsRequireBearerToken(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/admin/devices", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, srv, http.MethodGet, "/api/v1/admin/devices", nil, map[string]string{"Authorization": "admin wrong-token"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, srv, http.MethodGet, "/api/v1/admin/devices", nil, map[string]string{"Authorization": "admin s3cr3t-admin"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rr.Code, rr.Body.String())
	}
}

func TestAdminStatusPatchTransitionsDevice(t *testing.T) {
	srv := newTestServer(t)
	dev := registerDevice(t, srv, "sensor-epsilon")
	deviceID := strconv.FormatFloat(dev["id"].(float64), 'f', 0, 64)

	rr := doRequest(t, srv, http.MethodPatch, "/api/v1/admin/devices/"+deviceID+"/status", map[string]any{
		"status": "inactive",
	}, map[string]string{"Authorization": "admin s3cr3t-admin"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status patch status = %d, body = %s", rr.Code, rr.Body.String())
	}

	apiKey, _ := dev["api_key"].(string)
	rr = doRequest(t, srv, http.MethodPost, "/api/v1/devices/telemetry", map[string]any{
		"data": map[string]any{"temperature": 1},
	}, map[string]string{"X-API-Key": apiKey})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("telemetry after deactivation status = %d, want 403, body = %s", rr.Code, rr.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var report map[string]any
	json.Unmarshal(rr.Body.Bytes(), &report)
	if report["status"] != "ok" {
		t.Fatalf("health status field = %v, want ok, body = %s", report["status"], rr.Body.String())
	}
}
