package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/apperror"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/metrics"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/credential"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/timeseries"
)

type registerRequest struct {
	Name            string `json:"name"`
	DeviceType      string `json:"device_type"`
	Description     string `json:"description"`
	Location        string `json:"location"`
	FirmwareVersion string `json:"firmware_version"`
	HardwareVersion string `json:"hardware_version"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSONFromContext(r, &req); err != nil {
		writeError(w, r, apperror.ValidationError("malformed registration body"))
		return
	}

	result, err := s.identity.Register(r.Context(), model.RegistrationProfile{
		Name:            req.Name,
		DeviceType:      req.DeviceType,
		Description:     req.Description,
		Location:        req.Location,
		FirmwareVersion: req.FirmwareVersion,
		HardwareVersion: req.HardwareVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.NameTaken {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       string(apperror.KindConflict),
			"existing_id": result.ExistingID,
		})
		return
	}

	dev := result.Device
	writeJSON(w, http.StatusCreated, map[string]any{
		"device": map[string]any{
			"id":         dev.ID,
			"name":       dev.Name,
			"api_key":    dev.APIKey,
			"status":     dev.AdminStatus,
			"created_at": dev.CreatedAt,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	online, lastSeen := s.liveness.GetStatus(r.Context(), dev.ID, time.Now().Add(-s.cfg.HeartbeatTTL))
	source := "cache"
	if lastSeen.IsZero() {
		lastSeen = dev.LastSeen
		online = time.Since(lastSeen) < s.cfg.HeartbeatTTL
		source = "store"
		if !dev.LastSeen.IsZero() {
			s.liveness.SetOnline(r.Context(), dev.ID, dev.LastSeen)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            dev.ID,
		"name":          dev.Name,
		"is_online":     online,
		"last_seen":     lastSeen,
		"status":        dev.AdminStatus,
		"status_source": source,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	now := time.Now().UTC()
	s.liveness.SetOnline(r.Context(), dev.ID, now)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "last_seen": now})
}

type configPatchRequest struct {
	Location        *string `json:"location"`
	FirmwareVersion *string `json:"firmware_version"`
	Description     *string `json:"description"`
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	var req configPatchRequest
	if err := readJSONFromContext(r, &req); err != nil {
		writeError(w, r, apperror.ValidationError("malformed config body"))
		return
	}
	patch := model.ConfigPatch{Location: req.Location, FirmwareVersion: req.FirmwareVersion, Description: req.Description}
	if err := s.identity.UpdateConfig(r.Context(), dev.ID, patch); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	fresh, err := s.identity.Get(r.Context(), dev.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"location":         fresh.Location,
		"firmware_version": fresh.FirmwareVersion,
		"description":      fresh.Description,
	})
}

func (s *Server) handleMQTTCredentials(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	host, port := s.cfg.MQTTBrokerURL, 1883
	if u, err := url.Parse(s.cfg.MQTTBrokerURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
		if p, err := strconv.Atoi(u.Port()); err == nil {
			port = p
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"broker_host": host,
		"broker_port": port,
		"username":    s.cfg.MQTTClientID,
		"password":    dev.APIKey,
	})
}

type telemetryRequest struct {
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp *time.Time     `json:"timestamp"`
}

func (s *Server) handleTelemetrySubmit(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	var req telemetryRequest
	if err := readJSONFromContext(r, &req); err != nil {
		writeError(w, r, apperror.ValidationError("malformed telemetry body"))
		return
	}

	env := model.Envelope{
		DeviceID:   dev.ID,
		APIKey:     dev.APIKey,
		Data:       req.Data,
		Metadata:   req.Metadata,
		ReceivedAt: time.Now().UTC(),
	}
	if req.Timestamp != nil {
		env.Timestamp = *req.Timestamp
	}

	started := time.Now()
	outcome, err := s.pipeline.Ingest(r.Context(), env)
	if err != nil {
		appErr, ok := err.(*apperror.AppError)
		if ok && appErr.Kind == apperror.KindPartialWrite {
			metrics.RecordTelemetryOutcome(outcome.Accepted, len(outcome.Rejected), time.Since(started))
			writeJSON(w, http.StatusMultiStatus, map[string]any{
				"partial":  true,
				"accepted": outcome.Accepted,
				"rejected": outcome.Rejected,
			})
			return
		}
		metrics.RecordTelemetryOutcome(outcome.Accepted, len(outcome.Rejected), time.Since(started))
		writeError(w, r, err)
		return
	}

	metrics.RecordTelemetryOutcome(outcome.Accepted, len(outcome.Rejected), time.Since(started))
	resp := map[string]any{"accepted": outcome.Accepted}
	if outcome.TimestampWarning != "" {
		resp["warning"] = outcome.TimestampWarning
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleTelemetryRange(w http.ResponseWriter, r *http.Request) {
	deviceID, measurement, ok := s.parseTelemetryPath(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, to, ok := parseTimeRange(w, r, q)
	if !ok {
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cursor, err := timeseries.DecodeCursor(q.Get("cursor"))
	if err != nil {
		writeError(w, r, apperror.ValidationError("malformed cursor"))
		return
	}

	page, err := s.ts.QueryRange(r.Context(), deviceID, measurement, from, to, limit, cursor)
	if err != nil {
		writeError(w, r, apperror.Wrap(apperror.KindStoreUnavailable, "query telemetry range", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"points":      renderPoints(page.Points),
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) handleTelemetryLatest(w http.ResponseWriter, r *http.Request) {
	deviceID, measurement, ok := s.parseTelemetryPath(w, r)
	if !ok {
		return
	}
	point, err := s.ts.QueryLatest(r.Context(), deviceID, measurement)
	if err != nil {
		if err == timeseries.ErrNotFound {
			writeError(w, r, apperror.NotFound("no telemetry point found"))
			return
		}
		writeError(w, r, apperror.Wrap(apperror.KindStoreUnavailable, "query latest telemetry", err))
		return
	}
	writeJSON(w, http.StatusOK, renderPoint(point))
}

func (s *Server) handleTelemetryAggregated(w http.ResponseWriter, r *http.Request) {
	deviceID, measurement, ok := s.parseTelemetryPath(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, to, ok := parseTimeRange(w, r, q)
	if !ok {
		return
	}
	if measurement == "" {
		writeError(w, r, apperror.ValidationError("measurement query parameter is required"))
		return
	}
	window, err := time.ParseDuration(q.Get("window"))
	if err != nil || window <= 0 {
		writeError(w, r, apperror.ValidationError("window must be a positive duration, e.g. 5m"))
		return
	}
	fn := timeseries.AggregateFn(q.Get("fn"))
	if fn == "" {
		fn = timeseries.AggMean
	}

	points, err := s.ts.QueryAggregate(r.Context(), deviceID, measurement, from, to, window, fn)
	if err != nil {
		writeError(w, r, apperror.Wrap(apperror.KindStoreUnavailable, "query aggregated telemetry", err))
		return
	}
	out := make([]map[string]any, 0, len(points))
	for _, p := range points {
		out = append(out, map[string]any{
			"bucket_start": p.BucketStart,
			"value":        p.Value,
			"sample_count": p.SampleCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregates": out})
}

// parseTelemetryPath extracts the device id from the {id} chi param
// and the optional measurement query parameter shared by the three
// telemetry query endpoints. QueryRange and QueryLatest treat an empty
// measurement as "no filter"; only QueryAggregate requires one, since
// averaging across every measurement of a device is not meaningful.
func (s *Server) parseTelemetryPath(w http.ResponseWriter, r *http.Request) (uint64, string, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, r, apperror.ValidationError("invalid device id"))
		return 0, "", false
	}
	measurement := r.URL.Query().Get("measurement")
	return id, measurement, true
}

func parseTimeRange(w http.ResponseWriter, r *http.Request, q interface{ Get(string) string }) (time.Time, time.Time, bool) {
	from := time.Time{}
	to := time.Now().UTC()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, apperror.ValidationError("from must be RFC3339"))
			return from, to, false
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, apperror.ValidationError("to must be RFC3339"))
			return from, to, false
		}
		to = t
	}
	return from, to, true
}

func renderPoint(p model.Point) map[string]any {
	return map[string]any{
		"measurement": p.Measurement,
		"timestamp":   p.Timestamp,
		"value":       p.Value.Raw(),
		"tags":        p.Tags,
	}
}

func renderPoints(points []model.Point) []map[string]any {
	out := make([]map[string]any, 0, len(points))
	for _, p := range points {
		out = append(out, renderPoint(p))
	}
	return out
}

// --- Admin endpoints ---

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	var filter credential.ListFilter
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = model.Status(status)
	}
	page := credential.Page{Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page.Offset = n
		}
	}

	devices, err := s.identity.List(r.Context(), filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) deviceIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, r, apperror.ValidationError("invalid device id"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleAdminGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceIDParam(w, r)
	if !ok {
		return
	}
	dev, err := s.identity.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceIDParam(w, r)
	if !ok {
		return
	}
	var req configPatchRequest
	if err := readJSONFromContext(r, &req); err != nil {
		writeError(w, r, apperror.ValidationError("malformed update body"))
		return
	}
	patch := model.ConfigPatch{Location: req.Location, FirmwareVersion: req.FirmwareVersion, Description: req.Description}
	if err := s.identity.UpdateConfig(r.Context(), id, patch); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminStatusPatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := readJSONFromContext(r, &req); err != nil {
		writeError(w, r, apperror.ValidationError("malformed status body"))
		return
	}
	if err := s.identity.Transition(r.Context(), id, model.Status(req.Status)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceIDParam(w, r)
	if !ok {
		return
	}
	if err := s.identity.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminRotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceIDParam(w, r)
	if !ok {
		return
	}
	key, err := s.identity.RotateAPIKey(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_key": key})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.liveness.Stats(r.Context())
	if err != nil {
		writeError(w, r, apperror.Wrap(apperror.KindStoreUnavailable, "read cache stats", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminCacheInspect(w http.ResponseWriter, r *http.Request) {
	stats, err := s.liveness.Stats(r.Context())
	if err != nil {
		writeError(w, r, apperror.Wrap(apperror.KindStoreUnavailable, "inspect cache", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminCacheFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.liveness.ClearAll(r.Context()); err != nil {
		writeError(w, r, apperror.Wrap(apperror.KindStoreUnavailable, "flush cache", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	detailed := r.URL.Query().Get("detailed") == "true"
	report := s.buildHealthReport(r.Context(), detailed)
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
