package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/halcyon-iot/halcyon/internal/common"
	"github.com/halcyon-iot/halcyon/internal/firmware"
	"github.com/halcyon-iot/halcyon/internal/ota"
	"github.com/halcyon-iot/halcyon/internal/registry"
	"github.com/halcyon-iot/halcyon/pkg/config"
	"github.com/halcyon-iot/halcyon/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (f *fakeTransport) Send(ctx context.Context, nodeID string, msg *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type fakePresence struct {
	keys map[string]string
}

func (f *fakePresence) SetString(ctx context.Context, key, value string, expiration time.Duration) error {
	f.keys[key] = value
	return nil
}

func (f *fakePresence) GetString(ctx context.Context, key string) (string, error) {
	value, ok := f.keys[key]
	if !ok {
		return "", common.ErrCacheMiss
	}
	return value, nil
}

func (f *fakePresence) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.keys[key]
	return ok, nil
}

// fakeStatusCache stands in for Redis on both the orchestrator's write side
// and the handler's read side
type fakeStatusCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (f *fakeStatusCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = data
	return nil
}

func (f *fakeStatusCache) Get(ctx context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.entries[key]
	if !ok {
		return common.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeStatusCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func testConfig() *config.Config {
	cfg := config.LoadFromEnv()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.OTA = config.OTAConfig{
		DefaultChunkSize: 4096,
		MaxRetries:       3,
		PhaseTimeout:     30 * time.Second,
		SweepInterval:    time.Second,
		RetainTerminal:   5 * time.Minute,
		PresenceTTL:      time.Minute,
	}
	return cfg
}

func setupTestServer(t *testing.T) (*gin.Engine, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	wrapped := &common.Database{DB: db}
	require.NoError(t, wrapped.Migrate())

	cfg := testConfig()

	store, err := firmware.NewStore(t.TempDir())
	require.NoError(t, err)

	devices := registry.NewService(wrapped, &fakePresence{keys: make(map[string]string)}, cfg.OTA.PresenceTTL)

	statuses := &fakeStatusCache{entries: make(map[string][]byte)}

	orchestrator := ota.NewOrchestrator(store, devices, &fakeTransport{}, cfg.OTA)
	orchestrator.SetHistorySink(ota.NewDatabaseHistory(wrapped))
	orchestrator.SetStatusCache(statuses)
	store.SetInUseProbe(orchestrator.ActiveFirmware)

	srv := newServer(cfg, store, devices, orchestrator, ota.NewDatabaseHistory(wrapped), statuses)
	return srv.setupRouter(), srv
}

func testToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, router *gin.Engine, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func uploadFirmware(t *testing.T, router *gin.Engine, token, version, deviceType string, size int) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("version", version))
	require.NoError(t, writer.WriteField("device_type", deviceType))
	part, err := writer.CreateFormFile("firmware", "image.bin")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/firmware", token, body, writer.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			FirmwareID string `json:"firmware_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.FirmwareID)
	return resp.Data.FirmwareID
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresAuth(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/firmware", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/firmware", "not-a-token", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFirmwareLifecycle(t *testing.T) {
	router, _ := setupTestServer(t)
	token := testToken(t)

	id := uploadFirmware(t, router, token, "1.0.0", "thermostat", 10000)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/firmware/"+id, token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// duplicate version for the same device type is refused
	data := bytes.NewBufferString("")
	writer := multipart.NewWriter(data)
	require.NoError(t, writer.WriteField("version", "1.0.0"))
	require.NoError(t, writer.WriteField("device_type", "thermostat"))
	part, err := writer.CreateFormFile("firmware", "image.bin")
	require.NoError(t, err)
	_, err = part.Write([]byte("other"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	rec = doRequest(t, router, http.MethodPost, "/api/v1/firmware", token, data, writer.FormDataContentType())
	assert.Equal(t, http.StatusConflict, rec.Code)

	// chunk read honors size and range
	rec = doRequest(t, router, http.MethodGet, "/api/v1/firmware/"+id+"/chunks/2?chunk_size=4096", token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Body.Bytes(), 1808)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/firmware/"+id+"/chunks/3?chunk_size=4096", token, nil, "")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/firmware/"+id, token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/firmware/"+id, token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateFlow(t *testing.T) {
	router, _ := setupTestServer(t)
	token := testToken(t)

	id := uploadFirmware(t, router, token, "2.0.0", "thermostat", 10000)

	body := bytes.NewBufferString(`{"node_id": "node-1", "device_type": "thermostat"}`)
	rec := doRequest(t, router, http.MethodPost, "/api/v1/devices", token, body, "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// update for an unregistered node fails
	body = bytes.NewBufferString(fmt.Sprintf(`{"firmware_id": %q}`, id))
	rec = doRequest(t, router, http.MethodPost, "/api/v1/updates/ghost", token, body, "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body = bytes.NewBufferString(fmt.Sprintf(`{"firmware_id": %q}`, id))
	rec = doRequest(t, router, http.MethodPost, "/api/v1/updates/node-1", token, body, "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// a second start for the same node conflicts
	body = bytes.NewBufferString(fmt.Sprintf(`{"firmware_id": %q}`, id))
	rec = doRequest(t, router, http.MethodPost, "/api/v1/updates/node-1", token, body, "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/updates/node-1", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var statusResp struct {
		Data struct {
			State           string  `json:"state"`
			PercentComplete float64 `json:"percent_complete"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statusResp))
	assert.Equal(t, "OFFERED", statusResp.Data.State)
	assert.Equal(t, 0.0, statusResp.Data.PercentComplete)

	// the offered image cannot be removed while the session is live
	rec = doRequest(t, router, http.MethodDelete, "/api/v1/firmware/"+id, token, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/updates/node-1?reason=rollout_paused", token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// session is gone from memory but the cached snapshot still answers
	rec = doRequest(t, router, http.MethodGet, "/api/v1/updates/node-1", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statusResp))
	assert.Equal(t, "ABORTED", statusResp.Data.State)

	// a node with no session and no snapshot is a miss
	rec = doRequest(t, router, http.MethodGet, "/api/v1/updates/node-never", token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// with the session gone the image can be removed
	rec = doRequest(t, router, http.MethodDelete, "/api/v1/firmware/"+id, token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	router, _ := setupTestServer(t)
	token := testToken(t)

	body := bytes.NewBufferString(`{"node_id": "node-1", "device_type": "thermostat"}`)
	rec := doRequest(t, router, http.MethodPost, "/api/v1/devices", token, body, "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	// before any heartbeat the node is offline with no check-in time
	rec = doRequest(t, router, http.MethodGet, "/api/v1/devices/node-1", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detailResp struct {
		Data struct {
			Online        bool      `json:"online"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detailResp))
	assert.False(t, detailResp.Data.Online)
	assert.True(t, detailResp.Data.LastHeartbeat.IsZero())

	body = bytes.NewBufferString(`{"firmware_version": "1.3.0"}`)
	rec = doRequest(t, router, http.MethodPost, "/api/v1/devices/node-1/heartbeat", token, body, "application/json")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/devices/node-1", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detailResp))
	assert.True(t, detailResp.Data.Online)
	assert.False(t, detailResp.Data.LastHeartbeat.IsZero())

	rec = doRequest(t, router, http.MethodPost, "/api/v1/devices/ghost/heartbeat", token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/devices/ghost", token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
