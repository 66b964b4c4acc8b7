package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/internal/cache"
	"github.com/visitdesk/visitdesk/store"
	"github.com/visitdesk/visitdesk/testutil"
)

// =============================================================================
// 🧪 VisitHandler 端到端测试（真实 Store + 文件型 SQLite）
// =============================================================================

type apiFixture struct {
	mux      *http.ServeMux
	merchant *store.Merchant
	approver *store.Employee
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	mgr := testutil.NewSQLiteManager(t)

	issuer, err := store.NewPasscodeIssuer("test-secret", "visitdesk", time.Hour)
	require.NoError(t, err)

	s, err := store.New(mgr, "sqlite", issuer, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.AutoMigrate(ctx))

	merchant := &store.Merchant{Name: "Acme Lobby"}
	require.NoError(t, s.CreateMerchant(ctx, merchant))
	approver := &store.Employee{MerchantID: merchant.ID, Name: "Alex Chen", Approver: true}
	require.NoError(t, s.CreateEmployee(ctx, approver))

	health := NewHealthHandler(nil, zap.NewNop())
	visits := NewVisitHandler(s, zap.NewNop())
	mux := NewRouter(health, visits, "test", "", "")

	return &apiFixture{mux: mux, merchant: merchant, approver: approver}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *apiFixture) submit(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/visits", SubmitVisitRequest{
		MerchantID:  f.merchant.ID,
		EmployeeID:  f.approver.ID,
		VisitorName: "Visitor One",
		Purpose:     "meeting",
		VisitAt:     time.Now().Add(time.Hour).Unix(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data store.VisitorApplication `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Data.ID)
	return resp.Data.ID
}

func (f *apiFixture) approve(t *testing.T, visitID string) store.Passcode {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/visits/"+visitID+"/approve",
		DecisionRequest{ApproverID: f.approver.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data store.Passcode `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Data
}

// --- 流程测试 ---

func TestVisitAPI_SubmitAndGet(t *testing.T) {
	f := setupAPI(t)
	visitID := f.submit(t)

	w := f.do(t, http.MethodGet, "/api/v1/visits/"+visitID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data store.VisitorApplication `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Visitor One", resp.Data.VisitorName)
	assert.Equal(t, store.VisitPending, resp.Data.Status)
}

func TestVisitAPI_SubmitValidation(t *testing.T) {
	f := setupAPI(t)

	w := f.do(t, http.MethodPost, "/api/v1/visits", SubmitVisitRequest{VisitorName: "No Merchant"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestVisitAPI_GetMissingReturns404(t *testing.T) {
	f := setupAPI(t)

	w := f.do(t, http.MethodGet, "/api/v1/visits/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestVisitAPI_ApproveIssuesPasscode(t *testing.T) {
	f := setupAPI(t)
	visitID := f.submit(t)

	pc := f.approve(t, visitID)
	assert.Equal(t, store.PasscodeIssued, pc.Status)
	assert.NotEmpty(t, pc.Token)

	// 待审列表已清空
	w := f.do(t, http.MethodGet, "/api/v1/merchants/"+f.merchant.ID+"/visits/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []store.VisitorApplication `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Empty(t, list.Data)

	// 重复审批返回冲突
	w = f.do(t, http.MethodPost, "/api/v1/visits/"+visitID+"/approve",
		DecisionRequest{ApproverID: f.approver.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	// 审计轨迹可见
	w = f.do(t, http.MethodGet, "/api/v1/visits/"+visitID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Data []store.VisitEvent `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&events))
	require.Len(t, events.Data, 1)
	assert.Equal(t, "approved", events.Data[0].Action)
}

func TestVisitAPI_RejectVisit(t *testing.T) {
	f := setupAPI(t)
	visitID := f.submit(t)

	w := f.do(t, http.MethodPost, "/api/v1/visits/"+visitID+"/reject",
		DecisionRequest{ApproverID: f.approver.ID, Reason: "no host"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 拒绝后的审批返回冲突
	w = f.do(t, http.MethodPost, "/api/v1/visits/"+visitID+"/approve",
		DecisionRequest{ApproverID: f.approver.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestVisitAPI_CheckInFlow(t *testing.T) {
	f := setupAPI(t)
	visitID := f.submit(t)
	pc := f.approve(t, visitID)

	w := f.do(t, http.MethodPost, "/api/v1/checkin", CheckInRequest{Token: pc.Token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, visitID, resp.Data["visit_id"])
	assert.Equal(t, "Visitor One", resp.Data["visitor_name"])

	// 单次使用：第二次核验被拒
	w = f.do(t, http.MethodPost, "/api/v1/checkin", CheckInRequest{Token: pc.Token})
	assert.Equal(t, http.StatusConflict, w.Code)
}

// 通行码单次使用: 首次核验即消耗, 重放被拒且附带明确错误码
func TestVisitAPI_PasscodeSingleUse(t *testing.T) {
	f := setupAPI(t)
	visitID := f.submit(t)
	pc := f.approve(t, visitID)

	w := f.do(t, http.MethodPost, "/api/v1/checkin", CheckInRequest{Token: pc.Token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/checkin", CheckInRequest{Token: pc.Token})
	require.Equal(t, http.StatusConflict, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "PASSCODE_NOT_USABLE", resp.Error.Code)
}

func TestVisitAPI_CheckInBadToken(t *testing.T) {
	f := setupAPI(t)

	w := f.do(t, http.MethodPost, "/api/v1/checkin", CheckInRequest{Token: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "TOKEN_INVALID", resp.Error.Code)
}

func TestVisitAPI_RevokePasscode(t *testing.T) {
	f := setupAPI(t)
	visitID := f.submit(t)
	pc := f.approve(t, visitID)

	w := f.do(t, http.MethodPost, "/api/v1/passcodes/"+pc.ID+"/revoke",
		RevokeRequest{ActorID: f.approver.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 撤销后的核验被拒
	w = f.do(t, http.MethodPost, "/api/v1/checkin", CheckInRequest{Token: pc.Token})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestVisitAPI_MalformedBody(t *testing.T) {
	f := setupAPI(t)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/visits", bytes.NewBufferString("{not json"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// 🧪 读缓存路径（miniredis）
// =============================================================================

func TestHandleGet_CachedReadAndInvalidation(t *testing.T) {
	ctx := context.Background()

	mgr := testutil.NewSQLiteManager(t)
	issuer, err := store.NewPasscodeIssuer("test-secret", "visitdesk", time.Hour)
	require.NoError(t, err)
	s, err := store.New(mgr, "sqlite", issuer, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.AutoMigrate(ctx))

	merchant := &store.Merchant{Name: "Acme Lobby"}
	require.NoError(t, s.CreateMerchant(ctx, merchant))
	approver := &store.Employee{MerchantID: merchant.ID, Name: "Alex Chen", Approver: true}
	require.NoError(t, s.CreateEmployee(ctx, approver))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cacheManager, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { cacheManager.Close() })

	visits := NewVisitHandler(s, zap.NewNop())
	visits.SetCache(cacheManager, time.Minute)
	f := &apiFixture{
		mux:      NewRouter(NewHealthHandler(nil, zap.NewNop()), visits, "test", "", ""),
		merchant: merchant,
		approver: approver,
	}

	visitID := f.submit(t)
	key := cache.VisitKey(visitID)

	// 第一次读未命中，回填缓存
	w := f.do(t, http.MethodGet, "/api/v1/visits/"+visitID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, mr.Exists(key))

	// 第二次读命中缓存，内容一致
	w = f.do(t, http.MethodGet, "/api/v1/visits/"+visitID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data store.VisitorApplication `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, visitID, resp.Data.ID)
	assert.Equal(t, store.VisitPending, resp.Data.Status)

	// 审批后缓存条目被失效，下一次读返回新状态
	f.approve(t, visitID)
	assert.False(t, mr.Exists(key))

	w = f.do(t, http.MethodGet, "/api/v1/visits/"+visitID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp.Data = store.VisitorApplication{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, store.VisitApproved, resp.Data.Status)
}
