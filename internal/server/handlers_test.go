package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	"github.com/gin-gonic/gin"
)

func TestHandlersMapServiceErrors(t *testing.T) {
	testCases := []struct {
		name       string
		method     string
		path       string
		body       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "create-insufficient-credits",
			method:     http.MethodPost,
			path:       "/project",
			body:       `{"initial_prompt":"bakery site"}`,
			err:        fmt.Errorf("projects.create.insufficient_credits: %w", users.ErrInsufficientCredits),
			wantStatus: http.StatusForbidden,
			wantError:  "insufficient_credits",
		},
		{
			name:       "create-missing-prompt",
			method:     http.MethodPost,
			path:       "/project",
			body:       `{"initial_prompt":""}`,
			err:        projects.ErrInvalidInput,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_input",
		},
		{
			name:       "revise-not-ready",
			method:     http.MethodPost,
			path:       "/project/p-1/revise",
			body:       `{"message":"make it blue"}`,
			err:        projects.ErrProjectNotReady,
			wantStatus: http.StatusBadRequest,
			wantError:  "project_not_ready",
		},
		{
			name:       "get-not-found",
			method:     http.MethodGet,
			path:       "/project/missing",
			err:        projects.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantError:  "project_not_found",
		},
		{
			name:       "rollback-unknown-version",
			method:     http.MethodGet,
			path:       "/project/p-1/rollback/v-9",
			err:        projects.ErrVersionNotFound,
			wantStatus: http.StatusNotFound,
			wantError:  "version_not_found",
		},
		{
			name:       "unexpected-failure",
			method:     http.MethodDelete,
			path:       "/project/p-1",
			err:        fmt.Errorf("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal_error",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := newStubRouter(t, &stubProjectService{err: testCase.err}, &stubPaymentService{})
			recorder := performRequest(router, testCase.method, testCase.path, testCase.body)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			var payload map[string]string
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if payload["error"] != testCase.wantError {
				t.Fatalf("expected error %q, got %q", testCase.wantError, payload["error"])
			}
		})
	}
}

func TestCreateProjectRespondsAccepted(t *testing.T) {
	service := &stubProjectService{project: projects.Project{ID: "project-42"}}
	router := newStubRouter(t, service, &stubPaymentService{})

	recorder := performRequest(router, http.MethodPost, "/project", `{"initial_prompt":"portfolio"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["projectId"] != "project-42" {
		t.Fatalf("unexpected project id %q", payload["projectId"])
	}
	if service.lastUserID != "user-1" || service.lastPrompt != "portfolio" {
		t.Fatalf("unexpected service call: user=%q prompt=%q", service.lastUserID, service.lastPrompt)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: stubSessionValidator{validateErr: auth.ErrMissingSessionToken},
		Users:            stubUserService{},
		Projects:         &stubProjectService{},
		Payments:         &stubPaymentService{},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	recorder := performRequest(handler, http.MethodGet, "/user/projects", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	recorder = performRequest(handler, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected public health route, got %d", recorder.Code)
	}
}

func TestViewServesPublishedHTML(t *testing.T) {
	service := &stubProjectService{published: "<html><body>live</body></html>"}
	router := newStubRouter(t, service, &stubPaymentService{})

	recorder := performRequest(router, http.MethodGet, "/view/p-1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.HasPrefix(recorder.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %q", recorder.Header().Get("Content-Type"))
	}
	if recorder.Body.String() != service.published {
		t.Fatalf("unexpected body %q", recorder.Body.String())
	}
}

func TestPreviewInjectsEditorHelper(t *testing.T) {
	code := "<html><body><h1>Hi</h1></body></html>"
	service := &stubProjectService{detail: projects.ProjectDetail{Project: projects.Project{ID: "p-1", CurrentCode: &code}}}
	router := newStubRouter(t, service, &stubPaymentService{})

	recorder := performRequest(router, http.MethodGet, "/project/p-1/preview", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "ai-preview-script") {
		t.Fatalf("expected injected editor helper, got %s", recorder.Body.String())
	}
}

func TestPreviewRejectsProjectWithoutCode(t *testing.T) {
	service := &stubProjectService{detail: projects.ProjectDetail{Project: projects.Project{ID: "p-1"}}}
	router := newStubRouter(t, service, &stubPaymentService{})

	recorder := performRequest(router, http.MethodGet, "/project/p-1/preview", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestEditAppliesCommandsAndSaves(t *testing.T) {
	code := `<html><body><h1 class="title">Old</h1></body></html>`
	service := &stubProjectService{detail: projects.ProjectDetail{Project: projects.Project{ID: "p-1", CurrentCode: &code}}}
	router := newStubRouter(t, service, &stubPaymentService{})

	body := `{"save":true,"messages":[` +
		`{"type":"SELECT_ELEMENT","payload":{"selector":"h1"}},` +
		`{"type":"UPDATE_ELEMENT","payload":{"text":"New"}},` +
		`{"type":"CLEAR_SELECTION_REQUEST"}]}`
	recorder := performRequest(router, http.MethodPost, "/project/p-1/edit", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", recorder.Code, recorder.Body.String())
	}
	var response editProjectResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.Replies) != 3 || response.Replies[0].Type != preview.MessageElementSelected {
		t.Fatalf("unexpected replies %+v", response.Replies)
	}
	if !response.Saved || !strings.Contains(response.Code, ">New</h1>") {
		t.Fatalf("unexpected response %+v", response)
	}
	if strings.Contains(service.savedCode, preview.SelectedClass) {
		t.Fatalf("saved code still carries selection marker: %s", service.savedCode)
	}
}

func TestPurchaseCreditsUnknownPlan(t *testing.T) {
	router := newStubRouter(t, &stubProjectService{}, &stubPaymentService{checkoutErr: payments.ErrUnknownPlan})

	recorder := performRequest(router, http.MethodPost, "/user/purchase-credits", `{"planId":"gold"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestStripeWebhookAcknowledges(t *testing.T) {
	paymentService := &stubPaymentService{result: payments.WebhookResult{EventID: "evt_1", Outcome: payments.OutcomeGranted}}
	router := newStubRouter(t, &stubProjectService{}, paymentService)

	request := httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(`{"id":"evt_1"}`))
	request.Header.Set("Stripe-Signature", "t=1,v1=abc")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if paymentService.lastSignature != "t=1,v1=abc" {
		t.Fatalf("expected signature header forwarded, got %q", paymentService.lastSignature)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	router := newStubRouter(t, &stubProjectService{}, &stubPaymentService{webhookErr: payments.ErrInvalidSignature})

	recorder := performRequest(router, http.MethodPost, "/stripe/webhook", `{}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func newStubRouter(t *testing.T, projectService ProjectService, paymentService PaymentService) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-1"}},
		Users:            stubUserService{account: users.User{ID: "user-1", Credits: 20}},
		Projects:         projectService,
		Payments:         paymentService,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return handler
}

func performRequest(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

type stubProjectService struct {
	err        error
	project    projects.Project
	detail     projects.ProjectDetail
	published  string
	lastUserID string
	lastPrompt string
	savedCode  string
}

func (s *stubProjectService) Create(_ context.Context, userID, prompt string) (projects.Project, error) {
	s.lastUserID = userID
	s.lastPrompt = prompt
	return s.project, s.err
}

func (s *stubProjectService) RequestRevision(context.Context, string, string, string) error {
	return s.err
}

func (s *stubProjectService) ManualSave(_ context.Context, projectID, _ string, code string) (projects.Project, error) {
	s.savedCode = code
	return projects.Project{ID: projectID, CurrentCode: &code}, s.err
}

func (s *stubProjectService) TogglePublish(_ context.Context, projectID, _ string) (projects.Project, error) {
	return projects.Project{ID: projectID, IsPublished: true}, s.err
}

func (s *stubProjectService) Delete(context.Context, string, string) error {
	return s.err
}

func (s *stubProjectService) Get(context.Context, string, string) (projects.ProjectDetail, error) {
	return s.detail, s.err
}

func (s *stubProjectService) List(context.Context, string) ([]projects.Project, error) {
	return nil, s.err
}

func (s *stubProjectService) GetPublished(context.Context, string) (string, error) {
	return s.published, s.err
}

func (s *stubProjectService) Rollback(_ context.Context, projectID, _, _ string) (projects.Project, error) {
	return projects.Project{ID: projectID}, s.err
}

type stubPaymentService struct {
	checkoutErr   error
	webhookErr    error
	result        payments.WebhookResult
	lastSignature string
}

func (s *stubPaymentService) StartCheckout(context.Context, string, string) (payments.Checkout, error) {
	return payments.Checkout{}, s.checkoutErr
}

func (s *stubPaymentService) HandleWebhook(_ context.Context, _ []byte, signatureHeader string) (payments.WebhookResult, error) {
	s.lastSignature = signatureHeader
	return s.result, s.webhookErr
}
