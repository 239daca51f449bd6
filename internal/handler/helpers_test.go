package handler

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"github.com/kursadbilgin/qc-engine/internal/transport"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T, register func(app *fiber.App) error) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(transport.CorrelationMiddleware())

	if err := register(app); err != nil {
		t.Fatalf("register routes error = %v", err)
	}
	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubCollector struct {
	appendFn func(ctx context.Context, resp *domain.Response) (*domain.BatchRecord, error)
}

func (s *stubCollector) Append(ctx context.Context, resp *domain.Response) (*domain.BatchRecord, error) {
	if s.appendFn != nil {
		return s.appendFn(ctx, resp)
	}
	return nil, errors.New("not implemented")
}

type stubReviewQueue struct {
	nextFn    func(ctx context.Context, reviewerID string, filter domain.ReviewFilter) (*domain.Response, error)
	releaseFn func(ctx context.Context, responseID, reviewerID string) error
}

func (s *stubReviewQueue) Next(ctx context.Context, reviewerID string, filter domain.ReviewFilter) (*domain.Response, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, reviewerID, filter)
	}
	return nil, nil
}

func (s *stubReviewQueue) Release(ctx context.Context, responseID, reviewerID string) error {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, responseID, reviewerID)
	}
	return nil
}

type stubVerifier struct {
	submitFn func(ctx context.Context, responseID, reviewerID string, verdict domain.Verdict, feedback *string) (*domain.Response, error)
}

func (s *stubVerifier) Submit(
	ctx context.Context,
	responseID, reviewerID string,
	verdict domain.Verdict,
	feedback *string,
) (*domain.Response, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, responseID, reviewerID, verdict, feedback)
	}
	return nil, errors.New("not implemented")
}

type stubBatchService struct {
	getFn       func(ctx context.Context, id string) (*domain.BatchRecord, error)
	responsesFn func(ctx context.Context, id string) ([]domain.Response, error)
	listFn      func(ctx context.Context, params repository.BatchListParams) ([]domain.BatchRecord, int64, error)
	triggerFn   func(ctx context.Context) (int, error)
	sendFn      func(ctx context.Context, id string) (*domain.BatchRecord, error)
}

func (s *stubBatchService) Get(ctx context.Context, id string) (*domain.BatchRecord, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubBatchService) ListResponses(ctx context.Context, id string) ([]domain.Response, error) {
	if s.responsesFn != nil {
		return s.responsesFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubBatchService) List(ctx context.Context, params repository.BatchListParams) ([]domain.BatchRecord, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubBatchService) TriggerBatchProcessing(ctx context.Context) (int, error) {
	if s.triggerFn != nil {
		return s.triggerFn(ctx)
	}
	return 0, nil
}

func (s *stubBatchService) SendBatchToQC(ctx context.Context, id string) (*domain.BatchRecord, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type stubConfigService struct {
	resolveFn func(ctx context.Context, surveyID string) (domain.BatchConfig, error)
	updateFn  func(ctx context.Context, surveyID string, cfg domain.BatchConfig) (domain.BatchConfig, error)
}

func (s *stubConfigService) Resolve(ctx context.Context, surveyID string) (domain.BatchConfig, error) {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, surveyID)
	}
	return domain.DefaultBatchConfig(), nil
}

func (s *stubConfigService) Update(ctx context.Context, surveyID string, cfg domain.BatchConfig) (domain.BatchConfig, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, surveyID, cfg)
	}
	return cfg, nil
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }
