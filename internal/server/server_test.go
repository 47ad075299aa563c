package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

type testServer struct {
	srv  *Server
	http *httptest.Server
}

func newTestServer(t *testing.T, mutate func(cfg *Config)) *testServer {
	t.Helper()

	cfg := Config{
		HomeDir: t.TempDir(),
		Logger:  slog.New(slog.DiscardHandler),
		OCR: &providers.MockOCR{
			TranslateFunc: func(ctx context.Context, image []byte) (*providers.OCRResult, error) {
				return &providers.OCRResult{
					Regions: []store.Region{{ID: 0, Src: "合同", Dst: "contract"}},
				}, nil
			},
		},
		Entity: &providers.MockEntity{
			RecognizeFunc: func(ctx context.Context, texts []string, mode providers.EntityMode) (*providers.EntityResult, error) {
				return &providers.EntityResult{
					Entities: []store.Entity{{ChineseName: "张伟"}},
				}, nil
			},
		},
		LLM: &providers.MockLLM{},
		Browser: &providers.MockBrowser{
			CaptureFunc: func(ctx context.Context, url string) ([]byte, error) {
				return encodeTestJPEG(t), nil
			},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.Orchestrator().Start(ctx, 2)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		srv.Orchestrator().Wait()
		srv.Store().Close()
	})

	return &testServer{srv: srv, http: hs}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func (ts *testServer) createClient(t *testing.T, name string) string {
	t.Helper()
	resp, body := ts.request(t, "POST", "/api/clients", map[string]string{"name": name})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create client: status %d, body %s", resp.StatusCode, body)
	}
	var client store.Client
	if err := json.Unmarshal(body, &client); err != nil {
		t.Fatalf("decode client: %v", err)
	}
	return client.ID
}

func encodeTestJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func (ts *testServer) uploadImage(t *testing.T, clientID, filename string) store.Material {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(encodeTestJPEG(t)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest("POST", ts.http.URL+"/api/clients/"+clientID+"/materials/upload", &buf)
	if err != nil {
		t.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status %d, body %s", resp.StatusCode, data)
	}
	var created []store.Material
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 material, got %d", len(created))
	}
	return created[0]
}

func (ts *testServer) waitForStep(t *testing.T, materialID string, want statemachine.Step) store.Material {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := ts.request(t, "GET", "/api/materials/"+materialID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get material: status %d, body %s", resp.StatusCode, body)
		}
		var m store.Material
		if err := json.Unmarshal(body, &m); err != nil {
			t.Fatalf("decode material: %v", err)
		}
		if m.ProcessingStep == want {
			return m
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("material %s never reached %s", materialID, want)
	return store.Material{}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.request(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d, body %s", resp.StatusCode, body)
	}
	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["database"] != "ok" {
		t.Errorf("unexpected health response: %v", health)
	}
}

func TestClientLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	id := ts.createClient(t, "Acme Legal")

	resp, body := ts.request(t, "GET", "/api/clients/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get client: status %d, body %s", resp.StatusCode, body)
	}
	var client store.Client
	if err := json.Unmarshal(body, &client); err != nil {
		t.Fatalf("decode client: %v", err)
	}
	if client.Name != "Acme Legal" {
		t.Errorf("name = %q, want Acme Legal", client.Name)
	}

	resp, body = ts.request(t, "GET", "/api/clients", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list clients: status %d", resp.StatusCode)
	}
	var clients []store.Client
	if err := json.Unmarshal(body, &clients); err != nil {
		t.Fatalf("decode clients: %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("expected 1 client, got %d", len(clients))
	}

	resp, _ = ts.request(t, "DELETE", "/api/clients/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete client: status %d", resp.StatusCode)
	}
	resp, _ = ts.request(t, "GET", "/api/clients/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted client: status %d, want 404", resp.StatusCode)
	}
}

func TestCreateClientRequiresName(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.request(t, "POST", "/api/clients", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadAndTranslate(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := ts.createClient(t, "acme")

	m := ts.uploadImage(t, clientID, "合同.jpg")
	if m.ProcessingStep != statemachine.StepUploaded {
		t.Fatalf("step = %s, want uploaded", m.ProcessingStep)
	}

	resp, body := ts.request(t, "POST", "/api/clients/"+clientID+"/materials/translate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("translate: status %d, body %s", resp.StatusCode, body)
	}
	var started struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode translate response: %v", err)
	}
	if started.Count != 1 {
		t.Errorf("count = %d, want 1", started.Count)
	}

	got := ts.waitForStep(t, m.ID, statemachine.StepTranslated)
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.Status != "翻译完成" {
		t.Errorf("status = %q, want 翻译完成", got.Status)
	}
}

func TestMaterialNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.request(t, "GET", "/api/materials/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get: status %d, want 404", resp.StatusCode)
	}
	resp, _ = ts.request(t, "POST", "/api/materials/nope/confirm", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("confirm: status %d, want 404", resp.StatusCode)
	}
}

func TestUploadUnknownClient(t *testing.T) {
	ts := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("files", "a.jpg")
	fw.Write(encodeTestJPEG(t))
	mw.Close()

	req, _ := http.NewRequest("POST", ts.http.URL+"/api/clients/ghost/materials/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestInvalidTransitionMapsTo400(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := ts.createClient(t, "acme")
	m := ts.uploadImage(t, clientID, "a.jpg")

	// Confirm straight from uploaded is not a legal edge.
	resp, body := ts.request(t, "POST", "/api/materials/"+m.ID+"/confirm", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body %s", resp.StatusCode, body)
	}
}

func TestEntityRecognitionRecoverableMapsTo503(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Entity = &providers.MockEntity{
			RecognizeFunc: func(ctx context.Context, texts []string, mode providers.EntityMode) (*providers.EntityResult, error) {
				return nil, fmt.Errorf("service down: %w", providers.ErrRecoverable)
			},
		}
	})
	clientID := ts.createClient(t, "acme")
	m := ts.uploadImage(t, clientID, "a.jpg")

	ts.request(t, "POST", "/api/clients/"+clientID+"/materials/translate", nil)
	ts.waitForStep(t, m.ID, statemachine.StepTranslated)

	resp, body := ts.request(t, "POST", "/api/materials/"+m.ID+"/entity-recognition/fast", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body %s", resp.StatusCode, body)
	}
	var out struct {
		Recoverable bool `json:"recoverable"`
		CanContinue bool `json:"canContinue"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Recoverable || !out.CanContinue {
		t.Errorf("expected recoverable+canContinue, got %s", body)
	}

	// Material survives the outage and can still be confirmed later.
	got := ts.waitForStep(t, m.ID, statemachine.StepTranslated)
	if !got.EntityRecognitionTriggered {
		t.Errorf("expected entity_recognition_triggered after recoverable failure")
	}
}

func TestEntityFlowThroughAPI(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := ts.createClient(t, "acme")
	m := ts.uploadImage(t, clientID, "a.jpg")

	ts.request(t, "POST", "/api/clients/"+clientID+"/materials/translate", nil)
	ts.waitForStep(t, m.ID, statemachine.StepTranslated)

	resp, body := ts.request(t, "POST", "/api/materials/"+m.ID+"/entity-recognition/fast", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recognize: status %d, body %s", resp.StatusCode, body)
	}

	got := ts.waitForStep(t, m.ID, statemachine.StepEntityPendingConfirm)
	if got.EntityRecognitionResult == nil {
		t.Fatalf("expected entity recognition result")
	}

	payload := map[string]any{
		"entities": []map[string]string{{"chinese_name": "张伟", "english_name": "Zhang Wei"}},
		"translationGuidance": map[string][]string{
			"persons": {"张伟 -> Zhang Wei"},
		},
	}
	resp, body = ts.request(t, "POST", "/api/materials/"+m.ID+"/confirm-entities", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm entities: status %d, body %s", resp.StatusCode, body)
	}

	ts.waitForStep(t, m.ID, statemachine.StepLLMTranslated)
}

func TestConfirmEntitiesRejectsBadPayload(t *testing.T) {
	ts := newTestServer(t, nil)

	for name, payload := range map[string]string{
		"missing entities": `{"translationGuidance":{}}`,
		"bad entity shape": `{"entities":[{"english_name":"no chinese name"}]}`,
		"not json":         `{{`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.http.URL+"/api/materials/x/confirm-entities", "application/json", strings.NewReader(payload))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSaveRegionsRequiresBody(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.request(t, "POST", "/api/materials/x/save-regions", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownRecognitionMode(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.request(t, "POST", "/api/materials/x/entity-recognition/turbo", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadedFileServed(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := ts.createClient(t, "acme")
	m := ts.uploadImage(t, clientID, "a.jpg")

	resp, body := ts.request(t, "GET", "/"+m.FilePath, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("serve file: status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		t.Error("expected file content")
	}
}

func TestURLIngestValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := ts.createClient(t, "acme")

	resp, _ := ts.request(t, "POST", "/api/clients/"+clientID+"/materials/urls", map[string]any{
		"urls": []string{"ftp://example.com"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServerDoubleStart(t *testing.T) {
	srv, err := New(Config{
		HomeDir: t.TempDir(),
		Port:    "0",
		Logger:  slog.New(slog.DiscardHandler),
		OCR:     &providers.MockOCR{},
		Entity:  &providers.MockEntity{},
		LLM:     &providers.MockLLM{},
		Browser: &providers.MockBrowser{},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !srv.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !srv.IsRunning() {
		t.Fatal("server never reported running")
	}

	if err := srv.Start(context.Background()); !errors.Is(err, errAlreadyRunning) {
		t.Errorf("second Start() = %v, want errAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if srv.IsRunning() {
		t.Error("server still reports running after shutdown")
	}
}
