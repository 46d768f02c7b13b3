package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"rcmon/push"
)

type fakeWebhooks struct {
	fired []string
	reset []string
}

func (f *fakeWebhooks) GetAllPushInfo() []push.PushInfo {
	return []push.PushInfo{{Name: "estop", URL: "http://hooks.local", Method: "POST", Status: "Armed", Enabled: true}}
}

func (f *fakeWebhooks) TestFirePush(name string) error {
	switch name {
	case "estop":
		f.fired = append(f.fired, name)
		return nil
	case "down":
		return fmt.Errorf("HTTP 503")
	}
	return fmt.Errorf("push not found: %s", name)
}

func (f *fakeWebhooks) ResetPush(name string) error {
	if name != "estop" {
		return fmt.Errorf("push not found: %s", name)
	}
	f.reset = append(f.reset, name)
	return nil
}

func TestRouter_WebhooksUnconfigured(t *testing.T) {
	h := newTestRouter(t, newFakeControllers("cell-a"), nil)

	rec := do(h, http.MethodGet, "/webhooks", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("list = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodPost, "/webhooks/estop/test", ""); rec.Code != http.StatusNotFound {
		t.Errorf("test status = %d, want 404", rec.Code)
	}
}

func TestRouter_Webhooks(t *testing.T) {
	hooks := &fakeWebhooks{}
	hd := newHandlers(newFakeControllers("cell-a"), nil)
	hd.webhooks = hooks
	t.Cleanup(hd.setupSSE())
	h := hd.routes()

	rec := do(h, http.MethodGet, "/webhooks", "")
	var infos []push.PushInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "estop" || infos[0].Status != "Armed" {
		t.Errorf("infos = %+v", infos)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/webhooks/estop/test", http.StatusOK},
		{"/webhooks/down/test", http.StatusBadGateway},
		{"/webhooks/nope/test", http.StatusNotFound},
		{"/webhooks/estop/reset", http.StatusOK},
		{"/webhooks/nope/reset", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := do(h, http.MethodPost, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if len(hooks.fired) != 1 || len(hooks.reset) != 1 {
		t.Errorf("fired=%v reset=%v", hooks.fired, hooks.reset)
	}

	// Controller routes still resolve alongside /webhooks.
	if rec := do(h, http.MethodGet, "/cell-a", ""); rec.Code != http.StatusOK {
		t.Errorf("controller status = %d", rec.Code)
	}
}
