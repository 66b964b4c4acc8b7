package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/testutil"
)

// =============================================================================
// 🧪 Store 测试（文件型 SQLite + 共享连接池）
// =============================================================================

type fixture struct {
	store       *Store
	merchant    *Merchant
	approver    *Employee
	nonApprover *Employee
}

func setupStore(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mgr := testutil.NewSQLiteManager(t)
	issuer, err := NewPasscodeIssuer("test-secret", "visitdesk", time.Hour)
	require.NoError(t, err)

	s, err := New(mgr, "sqlite", issuer, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.AutoMigrate(ctx))

	merchant := &Merchant{Name: "Acme Lobby", Contact: "Front Desk"}
	require.NoError(t, s.CreateMerchant(ctx, merchant))

	approver := &Employee{MerchantID: merchant.ID, Name: "Alex Chen", Approver: true}
	require.NoError(t, s.CreateEmployee(ctx, approver))

	nonApprover := &Employee{MerchantID: merchant.ID, Name: "Sam Doe"}
	require.NoError(t, s.CreateEmployee(ctx, nonApprover))

	return &fixture{store: s, merchant: merchant, approver: approver, nonApprover: nonApprover}
}

func (f *fixture) submitVisit(t *testing.T, name string) *VisitorApplication {
	t.Helper()
	v := &VisitorApplication{
		MerchantID:  f.merchant.ID,
		EmployeeID:  f.approver.ID,
		VisitorName: name,
		Purpose:     "meeting",
		VisitAt:     time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, f.store.SubmitVisit(context.Background(), v))
	return v
}

// --- 申请流转 ---

func TestStore_SubmitAndListPending(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	first := f.submitVisit(t, "Visitor One")
	second := f.submitVisit(t, "Visitor Two")

	pending, err := f.store.ListPendingVisits(ctx, f.merchant.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.ElementsMatch(t,
		[]string{first.ID, second.ID},
		[]string{pending[0].ID, pending[1].ID},
	)
	assert.Equal(t, VisitPending, pending[0].Status)

	got, err := f.store.GetVisit(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Visitor One", got.VisitorName)
}

func TestStore_GetVisitNotFound(t *testing.T) {
	f := setupStore(t)

	_, err := f.store.GetVisit(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ApproveIssuesPasscode(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	pc, err := f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Equal(t, PasscodeIssued, pc.Status)
	assert.NotEmpty(t, pc.Token)

	// 状态已翻转，审批人留痕
	got, err := f.store.GetVisit(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, VisitApproved, got.Status)
	assert.Equal(t, f.approver.ID, got.DecidedBy)

	// 通行码落库且与返回值一致
	stored, err := f.store.GetPasscodeForVisit(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, pc.ID, stored.ID)
	assert.Equal(t, pc.Token, stored.Token)

	// JWT 可验，载荷指向该申请
	claims, err := f.store.issuer.Verify(pc.Token)
	require.NoError(t, err)
	assert.Equal(t, visit.ID, claims.VisitID)
	assert.Equal(t, f.merchant.ID, claims.MerchantID)
	assert.Equal(t, pc.ID, claims.ID)

	// 审计轨迹记录了审批
	events, err := f.store.VisitEvents(ctx, visit.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "approved", events[0].Action)
	assert.Equal(t, f.approver.ID, events[0].Actor)
}

func TestStore_ApproveTwiceRejected(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	_, err := f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	require.NoError(t, err)

	_, err = f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	assert.ErrorIs(t, err, ErrVisitNotPending)
}

func TestStore_ApproveRequiresApprover(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	// 无审批权限
	_, err := f.store.ApproveVisit(ctx, visit.ID, f.nonApprover.ID)
	assert.ErrorIs(t, err, ErrNotApprover)

	// 其他商户的审批人
	other := &Merchant{Name: "Other Corp"}
	require.NoError(t, f.store.CreateMerchant(ctx, other))
	outsider := &Employee{MerchantID: other.ID, Name: "Out Sider", Approver: true}
	require.NoError(t, f.store.CreateEmployee(ctx, outsider))

	_, err = f.store.ApproveVisit(ctx, visit.ID, outsider.ID)
	assert.ErrorIs(t, err, ErrNotApprover)

	// 申请仍是 pending
	got, err := f.store.GetVisit(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, VisitPending, got.Status)
}

func TestStore_RejectVisit(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	err := f.store.RejectVisit(ctx, visit.ID, f.approver.ID, "no host available")
	require.NoError(t, err)

	got, err := f.store.GetVisit(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, VisitRejected, got.Status)
	assert.Equal(t, "no host available", got.Reason)

	// 已拒绝的申请无法再审批
	_, err = f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	assert.ErrorIs(t, err, ErrVisitNotPending)

	// 再次拒绝同样被挡
	err = f.store.RejectVisit(ctx, visit.ID, f.approver.ID, "again")
	assert.ErrorIs(t, err, ErrVisitNotPending)
}

// --- 通行码核验 ---

func TestStore_CheckInSingleUse(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	pc, err := f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	require.NoError(t, err)

	claims, err := f.store.CheckIn(ctx, pc.Token)
	require.NoError(t, err)
	assert.Equal(t, visit.ID, claims.VisitID)

	stored, err := f.store.GetPasscodeForVisit(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, PasscodeUsed, stored.Status)
	assert.NotZero(t, stored.UsedAt)

	// 单次使用
	_, err = f.store.CheckIn(ctx, pc.Token)
	assert.ErrorIs(t, err, ErrPasscodeNotUsable)
}

func TestStore_CheckInTamperedToken(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	pc, err := f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	require.NoError(t, err)

	_, err = f.store.CheckIn(ctx, pc.Token+"x")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestStore_CheckInExpiredPasscode(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	pc, err := f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	require.NoError(t, err)

	// 把库内过期时间拨到过去，JWT 本身仍有效
	res := f.store.db(ctx).Model(&Passcode{}).
		Where("id = ?", pc.ID).
		Update("expires_at", time.Now().Add(-time.Minute).Unix())
	require.NoError(t, res.Error)

	_, err = f.store.CheckIn(ctx, pc.Token)
	assert.ErrorIs(t, err, ErrPasscodeNotUsable)
}

func TestStore_RevokePasscode(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	visit := f.submitVisit(t, "Visitor One")

	pc, err := f.store.ApproveVisit(ctx, visit.ID, f.approver.ID)
	require.NoError(t, err)

	require.NoError(t, f.store.RevokePasscode(ctx, pc.ID, f.approver.ID))

	_, err = f.store.CheckIn(ctx, pc.Token)
	assert.ErrorIs(t, err, ErrPasscodeNotUsable)

	// 重复撤销被挡
	err = f.store.RevokePasscode(ctx, pc.ID, f.approver.ID)
	assert.ErrorIs(t, err, ErrPasscodeNotUsable)
}

// --- 签发器 ---

func TestPasscodeIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewPasscodeIssuer("secret", "visitdesk", time.Hour)
	require.NoError(t, err)

	visit := &VisitorApplication{ID: "v-1", MerchantID: "m-1", VisitorName: "Visitor"}
	token, err := issuer.Issue("pc-1", visit, time.Now())
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "v-1", claims.VisitID)
	assert.Equal(t, "m-1", claims.MerchantID)
	assert.Equal(t, "Visitor", claims.VisitorName)
	assert.Equal(t, "pc-1", claims.ID)
}

func TestPasscodeIssuer_RejectsWrongSecret(t *testing.T) {
	a, err := NewPasscodeIssuer("secret-a", "visitdesk", time.Hour)
	require.NoError(t, err)
	b, err := NewPasscodeIssuer("secret-b", "visitdesk", time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("pc-1", &VisitorApplication{ID: "v-1"}, time.Now())
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPasscodeIssuer_RejectsWrongIssuer(t *testing.T) {
	a, err := NewPasscodeIssuer("secret", "someone-else", time.Hour)
	require.NoError(t, err)
	b, err := NewPasscodeIssuer("secret", "visitdesk", time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("pc-1", &VisitorApplication{ID: "v-1"}, time.Now())
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPasscodeIssuer_RejectsExpiredToken(t *testing.T) {
	issuer, err := NewPasscodeIssuer("secret", "visitdesk", time.Hour)
	require.NoError(t, err)

	// 签发时间拨到两小时前，token 已过有效期
	token, err := issuer.Issue("pc-1", &VisitorApplication{ID: "v-1"}, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewPasscodeIssuer_Validation(t *testing.T) {
	_, err := NewPasscodeIssuer("", "visitdesk", time.Hour)
	assert.Error(t, err)

	_, err = NewPasscodeIssuer("secret", "visitdesk", 0)
	assert.Error(t, err)
}
