package bootstrap

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcribeengine/internal/config"
	"transcribeengine/internal/domain"
	"transcribeengine/internal/logging"
	"transcribeengine/internal/modelmanager"
)

func TestBootDowngradesOptionalFailures(t *testing.T) {
	app := &App{Degraded: newDegradations(), logger: logging.Nop}

	err := app.boot([]step{
		{name: "ok", run: func() error { return nil }},
		{name: "exporter", optional: true, run: func() error { return errors.New("endpoint unreachable") }},
	})
	require.NoError(t, err)
	assert.False(t, app.Degraded.Empty())
	assert.Equal(t, map[string]string{"exporter": "endpoint unreachable"}, app.Degraded.Snapshot())

	err = app.boot([]step{
		{name: "disk", run: func() error { return errors.New("gone") }},
	})
	require.ErrorContains(t, err, `boot step "disk"`)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	return config.Config{
		ListenAddr:       ":0",
		DatabasePath:     filepath.Join(base, "engine.db"),
		StagingDir:       filepath.Join(base, "staging"),
		QueueCapacity:    25,
		QueueSoftReserve: 5,
		WorkerCount:      2,
		TaskTimeout:      time.Minute,
		QueueIdleWake:    50 * time.Millisecond,
		Device:           "cpu",
		DefaultLanguage:  "uk",
	}
}

type rig struct {
	app    *App
	server *httptest.Server
	master string
	apiKey string
}

func newRig(t *testing.T, cfg config.Config, opts Options) *rig {
	t.Helper()
	if opts.MemoryProbe == nil {
		// Pin memory figures so gating decisions don't depend on the host
		// running the tests.
		opts.MemoryProbe = modelmanager.StaticMemoryProbe{Available: 8, Total: 16}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	app, err := New(ctx, cfg, opts)
	require.NoError(t, err)

	server := httptest.NewServer(app.Handler)
	t.Cleanup(server.Close)

	go func() { _ = app.Pool.Run(ctx) }()

	mt, err := app.Store.LatestMasterToken(ctx)
	require.NoError(t, err)

	r := &rig{app: app, server: server, master: mt.Token}
	r.apiKey = r.generateKey(t, "e2e-client")
	return r
}

func (r *rig) do(t *testing.T, method, path, bearer string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, r.server.URL+path, body)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func (r *rig) generateKey(t *testing.T, clientName string) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"client_name": clientName})
	require.NoError(t, err)
	resp, decoded := r.do(t, http.MethodPost, "/admin/generate-key", r.master, bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key, _ := decoded["api_key"].(string)
	require.NotEmpty(t, key)
	return key
}

func wavBytes(seconds float64) []byte {
	const byteRate = 16000
	dataSize := uint32(byteRate * seconds)
	buf := make([]byte, 0, 44+int(dataSize))
	buf = append(buf, []byte("RIFF")...)
	buf = binary.LittleEndian.AppendUint32(buf, 36+dataSize)
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 8000)
	buf = binary.LittleEndian.AppendUint32(buf, byteRate)
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, []byte("data")...)
	buf = binary.LittleEndian.AppendUint32(buf, dataSize)
	buf = append(buf, make([]byte, dataSize)...)
	return buf
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func TestHappySubmitEndToEnd(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})

	body, contentType := multipartUpload(t, "ten-seconds.wav", wavBytes(10), map[string]string{
		"model_size": "tiny",
	})
	resp, decoded := r.do(t, http.MethodPost, "/transcribe", r.apiKey, body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", decoded["status"])
	taskID, _ := decoded["task_id"].(string)
	require.NotEmpty(t, taskID)

	var task map[string]any
	require.Eventually(t, func() bool {
		_, task = r.do(t, http.MethodGet, "/task/"+taskID, "", nil, "")
		return task["status"] == "completed"
	}, 10*time.Second, 50*time.Millisecond, "task never completed: %v", task)

	assert.EqualValues(t, 100, task["progress"])
	assert.InDelta(t, 10.0, task["duration"].(float64), 0.1)
	result, ok := task["result"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, result["text"])

	// Usage accounted to the key.
	resp, details := r.do(t, http.MethodGet, "/admin/key-details/"+r.apiKey, r.master, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, details["total_requests"])
	assert.EqualValues(t, 1, details["successful_requests"])
	assert.EqualValues(t, 0, details["failed_requests"])
}

func TestAuthScenarios(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})

	req, err := http.NewRequest(http.MethodPost, r.server.URL+"/transcribe", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Missing authorization token", body["detail"])

	req, err = http.NewRequest(http.MethodPost, r.server.URL+"/transcribe", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "X some-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Invalid token format. Use: Bearer YOUR_TOKEN", body["detail"])

	respObj, detail := r.do(t, http.MethodPost, "/transcribe", "unknown-key", nil, "")
	assert.Equal(t, http.StatusUnauthorized, respObj.StatusCode)
	assert.Equal(t, "Invalid or inactive API key", detail["detail"])
}

func TestValidationAndMemoryRefusal(t *testing.T) {
	cfg := testConfig(t)
	cfg.StrictMemoryCheck = true
	r := newRig(t, cfg, Options{
		MemoryProbe: modelmanager.StaticMemoryProbe{Available: 1.0, Total: 8},
	})

	// Neither file nor url.
	var empty bytes.Buffer
	writer := multipart.NewWriter(&empty)
	require.NoError(t, writer.Close())
	resp, _ := r.do(t, http.MethodPost, "/transcribe", r.apiKey, &empty, writer.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Large model with 1GB available in strict mode: 507, no task row.
	body, contentType := multipartUpload(t, "a.wav", wavBytes(1), map[string]string{"model_size": "large"})
	resp, _ = r.do(t, http.MethodPost, "/transcribe", r.apiKey, body, contentType)
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)

	resp, listing := r.do(t, http.MethodGet, "/my-tasks", r.apiKey, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, listing["total"])
}

func TestCancelQueuedTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerCount = 1
	r := newRig(t, cfg, Options{
		// A loader that never finishes keeps the single worker pinned on its
		// first task, so the second stays queued long enough to cancel.
		Loader: blockingLoader{gate: make(chan struct{})},
	})

	submit := func() string {
		body, contentType := multipartUpload(t, "a.wav", wavBytes(1), map[string]string{"model_size": "tiny"})
		resp, decoded := r.do(t, http.MethodPost, "/transcribe", r.apiKey, body, contentType)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decoded["task_id"].(string)
	}
	_ = submit() // occupies the worker
	target := submit()

	resp, decoded := r.do(t, http.MethodDelete, "/task/"+target, r.apiKey, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decoded["status"])

	_, task := r.do(t, http.MethodGet, "/task/"+target, "", nil, "")
	assert.Equal(t, "cancelled", task["status"])
	assert.NotEmpty(t, task["completed_at"])

	// A second cancel is a conflict.
	resp, _ = r.do(t, http.MethodDelete, "/task/"+target, r.apiKey, nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// blockingLoader blocks every Load until its gate closes (or the context is
// cancelled), pinning whichever worker calls it.
type blockingLoader struct{ gate chan struct{} }

func (l blockingLoader) Load(ctx context.Context, size domain.ModelSize, device string) (modelmanager.Handle, error) {
	select {
	case <-l.gate:
	case <-ctx.Done():
	}
	return string(size), nil
}

func (l blockingLoader) Unload(modelmanager.Handle) {}

func TestModelAdminEndpoints(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})

	resp, _ := r.do(t, http.MethodPost, "/admin/switch-model/small", r.master, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, status := r.do(t, http.MethodGet, "/admin/model-status", r.master, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, status["model_loaded"])
	assert.Equal(t, "small", status["current_model_size"])

	resp, _ = r.do(t, http.MethodPost, "/admin/switch-model/base", r.master, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, status = r.do(t, http.MethodGet, "/admin/model-status", r.master, nil, "")
	assert.Equal(t, "base", status["current_model_size"])

	resp, unloaded := r.do(t, http.MethodPost, "/admin/unload-model", r.master, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, unloaded["unloaded"])

	resp, _ = r.do(t, http.MethodPost, "/admin/switch-model/gigantic", r.master, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKeyAdminEndpoints(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})

	second := r.generateKey(t, "second-client")

	resp, listing := r.do(t, http.MethodGet, "/admin/list-keys", r.master, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys, ok := listing["keys"].([]any)
	require.True(t, ok)
	assert.Len(t, keys, 2)

	toggle, err := json.Marshal(map[string]string{"key": second})
	require.NoError(t, err)
	resp, toggled := r.do(t, http.MethodPost, "/admin/toggle-key-status", r.master, bytes.NewReader(toggle), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, toggled["active"])

	// The deactivated key no longer authenticates.
	resp, _ = r.do(t, http.MethodGet, "/my-tasks", second, nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	notes, err := json.Marshal(map[string]string{"key": second, "notes": "suspended for review"})
	require.NoError(t, err)
	resp, _ = r.do(t, http.MethodPost, "/admin/update-key-notes", r.master, bytes.NewReader(notes), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, details := r.do(t, http.MethodGet, "/admin/key-details/"+second, r.master, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "suspended for review", details["notes"])

	del, err := json.Marshal(map[string]string{"key": second})
	require.NoError(t, err)
	resp, _ = r.do(t, http.MethodPost, "/admin/delete-key", r.master, bytes.NewReader(del), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = r.do(t, http.MethodGet, "/admin/key-details/"+second, r.master, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Admin routes refuse API keys.
	resp, _ = r.do(t, http.MethodGet, "/admin/list-keys", r.apiKey, nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSynchronousDiarization(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})

	body, contentType := multipartUpload(t, "interview.wav", wavBytes(4), map[string]string{
		"model_size": "tiny",
		"language":   "en",
	})
	resp, result := r.do(t, http.MethodPost, "/transcribe-with-diarization", r.apiKey, body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotEmpty(t, result["text"])
	assert.Equal(t, "en", result["language"])
	assert.InDelta(t, 4.0, result["duration"].(float64), 0.1)
	speakers, ok := result["speakers"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, speakers)

	// The staged input never outlives the request on the sync path.
	entries, err := os.ReadDir(r.app.Config.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Counted as one successful usage.
	_, details := r.do(t, http.MethodGet, "/admin/key-details/"+r.apiKey, r.master, nil, "")
	assert.EqualValues(t, 1, details["successful_requests"])
}

func TestHealthEndpoint(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})

	resp, health := r.do(t, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])

	queueStats, ok := health["queue"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 25, queueStats["capacity"])

	workers, ok := health["workers"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, workers["total"])
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})

	resp, err := http.Get(r.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "transcribe_queue_depth")
}

func TestTaskOwnershipOnCancel(t *testing.T) {
	r := newRig(t, testConfig(t), Options{})
	stranger := r.generateKey(t, "stranger")

	body, contentType := multipartUpload(t, "a.wav", wavBytes(1), map[string]string{"model_size": "tiny"})
	resp, decoded := r.do(t, http.MethodPost, "/transcribe", r.apiKey, body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	taskID := decoded["task_id"].(string)

	resp, _ = r.do(t, http.MethodDelete, "/task/"+taskID, stranger, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
