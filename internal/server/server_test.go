package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/deployctl/internal/deploy"
	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/ledger"
	"github.com/3cpo-dev/deployctl/internal/remote"
	"github.com/3cpo-dev/deployctl/internal/remote/remotetest"
	"github.com/3cpo-dev/deployctl/internal/secrets"
	"github.com/3cpo-dev/deployctl/internal/telemetry"
	"github.com/3cpo-dev/deployctl/pkg/api"
)

const token = "hook-token"

var appDigest = "sha256:" + strings.Repeat("a", 64)

const webDescriptor = `
service: web
image: app:v1
host:
  address: 10.0.0.7
  user: deploy
health_check:
  command: curl -fsS http://127.0.0.1:8080/health
  interval: 5ms
  timeout: 20ms
`

type fixture struct {
	host   *remotetest.Host
	ledger *ledger.Memory
	srv    *Server
	h      http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{host: remotetest.New(), ledger: ledger.NewMemory()}
	f.host.Reply("image inspect", `["app@`+appDigest+`"]`)

	reg := secrets.NewRegistry()
	reg.Register(secrets.EnvBackend{LookupEnv: func(string) (string, bool) { return "", false }})
	collector := telemetry.NewCollector(true)
	orch := &deploy.Orchestrator{
		Ledger:  f.ledger,
		Secrets: secrets.NewResolver(reg),
		Connect: func(context.Context, descriptor.Host) (remote.Host, error) { return f.host, nil },
		Policy:  deploy.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Metrics: telemetry.NewDeployMetrics(collector),
	}
	f.srv = New(orch, func(ctx context.Context, service, image string) (descriptor.Descriptor, error) {
		if service != "web" {
			return descriptor.Descriptor{}, fmt.Errorf("read descriptor: %w: %w", descriptor.ErrConfig, os.ErrNotExist)
		}
		return descriptor.Parse(ctx, []byte(webDescriptor), descriptor.WithImage(image))
	})
	f.srv.Token = token
	f.srv.Version = "test"
	f.srv.Telemetry = collector
	f.h = f.srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "test", decode[api.HealthResponse](t, rr).Version)
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/services/web/status", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/services/web/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/services/web/status", nil)
	req.Header.Set("X-Auth-Token", token)
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDeployAccepted(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/services/web/deploy", api.DeployRequest{Image: "app:v2"}, true)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	accepted := decode[api.AcceptedResponse](t, rr)
	assert.Equal(t, "web", accepted.Service)
	assert.Equal(t, "deploy", accepted.Kind)
	assert.Equal(t, "app:v2", accepted.Image)
	require.NotEmpty(t, accepted.RecordID)

	f.srv.Wait()
	latest, err := f.ledger.Latest(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, accepted.RecordID, latest.ID)
	assert.Equal(t, ledger.OutcomeSuccess, latest.Outcome)
	assert.Equal(t, appDigest, latest.Digest)
	assert.Equal(t, 1, f.host.Count("docker run"))

	rr = f.do(t, http.MethodGet, "/v1/services/web/status", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decode[api.StatusResponse](t, rr)
	assert.False(t, status.InProgress)
	require.NotNil(t, status.LastSuccess)
	assert.Equal(t, accepted.RecordID, status.LastSuccess.ID)
	require.NotNil(t, status.Current)
	assert.Equal(t, "app:v2", status.Current.Image)
}

func TestDeployWithEmptyBodyUsesDescriptorImage(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/services/web/deploy", nil)
	req.Header.Set("X-Auth-Token", token)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, "app:v1", decode[api.AcceptedResponse](t, rr).Image)
	f.srv.Wait()
}

func TestDeployInProgressConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.RecordStart(context.Background(), ledger.Record{Service: "web", Image: "app:v1"})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/v1/services/web/deploy", nil, true)
	assert.Equal(t, http.StatusConflict, rr.Code)
	resp := decode[api.ErrorResponse](t, rr)
	assert.Equal(t, deploy.StepStart, resp.Step)
	f.srv.Wait()
	assert.Empty(t, f.host.Commands())
}

func TestRollbackWithoutTarget(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/services/web/rollback", nil, true)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, deploy.StepRollback, decode[api.ErrorResponse](t, rr).Step)
	f.srv.Wait()
}

func TestRollbackAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.ledger.RecordStart(ctx, ledger.Record{Service: "web", Image: "app:v2", PreviousImage: "app:v1", PreviousDigest: appDigest})
	require.NoError(t, err)
	_, err = f.ledger.RecordOutcome(ctx, rec.ID, ledger.Result{Outcome: ledger.OutcomeSuccess, Digest: appDigest})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/v1/services/web/rollback", api.DeployRequest{Image: "ignored:v9"}, true)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	accepted := decode[api.AcceptedResponse](t, rr)
	assert.Equal(t, "rollback", accepted.Kind)
	assert.Equal(t, "app:v1", accepted.Image)

	f.srv.Wait()
	latest, err := f.ledger.Latest(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeRolledBack, latest.Outcome)
}

func TestUnknownService(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/services/nope/deploy", nil, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInvalidImageOverride(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/services/web/deploy", api.DeployRequest{Image: "Not A Ref"}, true)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	resp := decode[api.ErrorResponse](t, rr)
	assert.Equal(t, deploy.StepLoadDescriptor, resp.Step)
	assert.Equal(t, "fix image in the descriptor of web", resp.Hint)
	assert.Contains(t, resp.Error, `service web: step "load-descriptor": image=`)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec, err := f.ledger.RecordStart(ctx, ledger.Record{Service: "web", Image: fmt.Sprintf("app:v%d", i)})
		require.NoError(t, err)
		_, err = f.ledger.RecordOutcome(ctx, rec.ID, ledger.Result{Outcome: ledger.OutcomeFailed, Error: "boom"})
		require.NoError(t, err)
	}

	rr := f.do(t, http.MethodGet, "/v1/services/web/history?limit=2", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decode[api.HistoryResponse](t, rr)
	require.Len(t, hist.Records, 2)
	assert.Equal(t, "app:v2", hist.Records[0].Image)
	assert.Equal(t, "failed", hist.Records[0].Outcome)

	rr = f.do(t, http.MethodGet, "/v1/services/web/history?limit=x", nil, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", nil, false)

	rr := f.do(t, http.MethodGet, "/metrics", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "deployctl_webhook_requests_total")
}

func TestShutdownWithoutServe(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.srv.Shutdown(context.Background()))
}

func TestRunsRefusedAfterShutdown(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.srv.Shutdown(context.Background()))

	for _, path := range []string{"/v1/services/web/deploy", "/v1/services/web/rollback"} {
		rr := f.do(t, http.MethodPost, path, nil, true)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
		assert.Equal(t, "server shutting down", decode[api.ErrorResponse](t, rr).Error)
	}
	f.srv.Wait()

	_, err := f.ledger.Latest(context.Background(), "web")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Empty(t, f.host.Commands())

	rr := f.do(t, http.MethodGet, "/v1/services/web/status", nil, true)
	assert.Equal(t, http.StatusOK, rr.Code)
}
