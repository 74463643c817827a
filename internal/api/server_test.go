package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/tabrelay/internal/agent"
	"github.com/dgnsrekt/tabrelay/internal/controller"
	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

type stubService struct {
	tabs      []types.TabSummary
	attachErr error
	detached  []int
	toggled   bool
}

func (s *stubService) Status() types.AgentStatus {
	return types.AgentStatus{WSState: types.WSConnected, AttachedCount: len(s.tabs), Tabs: s.tabs}
}

func (s *stubService) Tabs() []types.TabSummary { return s.tabs }

func (s *stubService) AttachAll(context.Context) ([]types.TabSummary, error) { return s.tabs, nil }

func (s *stubService) AttachTab(_ context.Context, tabID int) (agent.AttachResult, error) {
	if s.attachErr != nil {
		return agent.AttachResult{}, s.attachErr
	}
	return agent.AttachResult{SessionID: fmt.Sprintf("cb-tab-%d", tabID), TargetID: "T"}, nil
}

func (s *stubService) DetachTab(_ context.Context, tabID int) error {
	switch tabID {
	case 404:
		return types.Errorf(types.CodeNotFound, "tab %d is not attached", tabID)
	case 409:
		return types.NewError(types.CodeTabBusy, fmt.Sprintf("tab %d is busy", tabID), agent.ErrTabBusy)
	}
	s.detached = append(s.detached, tabID)
	return nil
}

func (s *stubService) Toggle(context.Context) (bool, error) {
	s.toggled = !s.toggled
	return s.toggled, nil
}

func (s *stubService) CheckRelay(context.Context) controller.RelayCheck {
	return controller.RelayCheck{Kind: controller.CheckError, Port: 18792, Message: "Gateway token required. Save your gateway token to connect."}
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndStatus(t *testing.T) {
	svc := &stubService{tabs: []types.TabSummary{{TabID: 3, SessionID: "cb-tab-1", Status: types.TabConnected}}}
	h := NewServer(svc, Options{})

	w := serve(t, h, http.MethodGet, "/health")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"wsState":"connected"`) {
		t.Fatalf("GET /health = %d %s", w.Code, w.Body.String())
	}

	w = serve(t, h, http.MethodGet, "/api/v1/status")
	var st types.AgentStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v (%s)", err, w.Body.String())
	}
	if st.AttachedCount != 1 || len(st.Tabs) != 1 || st.Tabs[0].TabID != 3 {
		t.Fatalf("status = %+v; want one tab 3", st)
	}
}

func TestTabRoutes(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Options{})

	w := serve(t, h, http.MethodPost, "/api/v1/tabs/7/attach")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"sessionId":"cb-tab-7"`) {
		t.Fatalf("attach = %d %s", w.Code, w.Body.String())
	}

	w = serve(t, h, http.MethodPost, "/api/v1/tabs/7/detach")
	if w.Code != http.StatusOK || len(svc.detached) != 1 || svc.detached[0] != 7 {
		t.Fatalf("detach = %d %s, detached %v", w.Code, w.Body.String(), svc.detached)
	}

	w = serve(t, h, http.MethodPost, "/api/v1/tabs/404/detach")
	if w.Code != http.StatusNotFound {
		t.Fatalf("detach unknown = %d; want 404", w.Code)
	}

	w = serve(t, h, http.MethodPost, "/api/v1/tabs/0/attach")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("attach 0 = %d; want 422", w.Code)
	}

	w = serve(t, h, http.MethodPost, "/api/v1/toggle")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"attached":true`) {
		t.Fatalf("toggle = %d %s", w.Code, w.Body.String())
	}
}

func TestAttachErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", types.NewError(types.CodeAttachFailed, "tab 1 is busy", agent.ErrTabBusy), http.StatusConflict},
		{"attach failed", types.Errorf(types.CodeAttachFailed, "boom"), http.StatusBadGateway},
		{"relay down", types.Errorf(types.CodeRelayUnreachable, "relay down"), http.StatusBadGateway},
		{"timeout", types.Errorf(types.CodeConnectTimeout, "slow"), http.StatusGatewayTimeout},
		{"validation", types.Errorf(types.CodeValidation, "bad"), http.StatusBadRequest},
		{"plain", fmt.Errorf("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(&stubService{attachErr: tt.err}, Options{})
			w := serve(t, h, http.MethodPost, "/api/v1/tabs/1/attach")
			if w.Code != tt.want {
				t.Fatalf("attach = %d %s; want %d", w.Code, w.Body.String(), tt.want)
			}
		})
	}
}

func TestDetachErrorsMapToStatus(t *testing.T) {
	h := NewServer(&stubService{}, Options{})
	tests := []struct {
		tabID int
		want  int
	}{
		{404, http.StatusNotFound},
		{409, http.StatusConflict},
	}
	for _, tt := range tests {
		w := serve(t, h, http.MethodPost, fmt.Sprintf("/api/v1/tabs/%d/detach", tt.tabID))
		if w.Code != tt.want {
			t.Fatalf("detach %d = %d %s; want %d", tt.tabID, w.Code, w.Body.String(), tt.want)
		}
	}
	w := serve(t, h, http.MethodPost, "/api/v1/tabs/409/detach")
	if !strings.Contains(w.Body.String(), "is busy") {
		t.Fatalf("detach body = %s; want busy detail", w.Body.String())
	}
}

func TestBadgesAndRelayCheck(t *testing.T) {
	board := status.NewBoard(status.NewBroker())
	board.SetTab(5, host.BadgeOn)
	h := NewServer(&stubService{}, Options{Badges: board.Snapshot})

	w := serve(t, h, http.MethodGet, "/api/v1/badges")
	var badges status.Badges
	if err := json.Unmarshal(w.Body.Bytes(), &badges); err != nil {
		t.Fatalf("decode badges: %v (%s)", err, w.Body.String())
	}
	if len(badges.Tabs) != 1 || badges.Tabs[0].TabID != 5 || badges.Tabs[0].Kind != host.BadgeOn {
		t.Fatalf("badges = %+v; want tab 5 on", badges)
	}

	w = serve(t, h, http.MethodGet, "/api/v1/relay/check")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Gateway token required") {
		t.Fatalf("relay check = %d %s", w.Code, w.Body.String())
	}
}

func TestDocsDarkMode(t *testing.T) {
	w := serve(t, NewServer(&stubService{}, Options{}), http.MethodGet, "/docs")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}
