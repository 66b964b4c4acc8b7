package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	gormmysql "gorm.io/driver/mysql"

	"github.com/visitdesk/visitdesk/database"
)

// =============================================================================
// 🗃️ 访客存储
// =============================================================================

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")

	// ErrVisitNotPending 申请不处于 pending，无法审批或拒绝
	ErrVisitNotPending = errors.New("visit is not pending")

	// ErrNotApprover 操作者没有审批权限或不属于该商户
	ErrNotApprover = errors.New("employee is not an approver for this merchant")

	// ErrPasscodeNotUsable 通行码不可用（已用、已撤销或已过期）
	ErrPasscodeNotUsable = errors.New("passcode is not usable")
)

// Store 基于弹性连接层的访客业务存储。
// 读路径和简单写走 ORM，审批签发走 Manager.Transaction，
// 保证状态翻转与通行码落库同生共死。
type Store struct {
	mgr    *database.Manager
	driver string
	issuer *PasscodeIssuer
	logger *zap.Logger

	mu  sync.RWMutex
	orm *gorm.DB

	unsubscribe func()
}

// New 在已初始化的连接管理器之上创建存储。
// ORM 与弹性层共享同一个连接池；池重建后通过观察者自动换绑。
func New(mgr *database.Manager, driver string, issuer *PasscodeIssuer, logger *zap.Logger) (*Store, error) {
	sqlDB, err := mgr.Pool()
	if err != nil {
		return nil, fmt.Errorf("store requires an initialized manager: %w", err)
	}

	orm, err := openORM(driver, sqlDB)
	if err != nil {
		return nil, err
	}

	s := &Store{
		mgr:    mgr,
		driver: driver,
		issuer: issuer,
		logger: logger.With(zap.String("component", "store")),
		orm:    orm,
	}
	s.unsubscribe = mgr.Subscribe(poolRefresher{store: s})

	return s, nil
}

// openORM 按驱动选择方言，复用弹性层的连接池
func openORM(driver string, sqlDB *sql.DB) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = gormmysql.New(gormmysql.Config{Conn: sqlDB})
	case "sqlite":
		dialector = &sqlite.Dialector{Conn: sqlDB}
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	orm, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open orm: %w", err)
	}
	return orm, nil
}

// poolRefresher 池重建成功后把 ORM 换绑到新池
type poolRefresher struct {
	database.NopObserver
	store *Store
}

func (r poolRefresher) OnReconnectSuccess(string, int) {
	r.store.refreshPool()
}

func (s *Store) refreshPool() {
	sqlDB, err := s.mgr.Pool()
	if err != nil {
		s.logger.Warn("pool unavailable after reconnect", zap.Error(err))
		return
	}
	orm, err := openORM(s.driver, sqlDB)
	if err != nil {
		s.logger.Error("failed to rebind orm to new pool", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.orm = orm
	s.mu.Unlock()
	s.logger.Info("orm rebound to rebuilt pool")
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orm.WithContext(ctx)
}

// Close 注销观察者。连接池归 Manager 所有，这里不关闭。
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// AutoMigrate 建表
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db(ctx).AutoMigrate(
		&Merchant{},
		&Employee{},
		&VisitorApplication{},
		&Passcode{},
		&VisitEvent{},
	)
}

// =============================================================================
// 🏢 商户与员工
// =============================================================================

// CreateMerchant 创建商户，返回生成的 ID
func (s *Store) CreateMerchant(ctx context.Context, m *Merchant) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return s.db(ctx).Create(m).Error
}

// GetMerchant 读取商户
func (s *Store) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	var m Merchant
	if err := s.db(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// CreateEmployee 创建员工
func (s *Store) CreateEmployee(ctx context.Context, e *Employee) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db(ctx).Create(e).Error
}

// =============================================================================
// 📋 访客申请
// =============================================================================

// SubmitVisit 提交访客申请，初始状态 pending
func (s *Store) SubmitVisit(ctx context.Context, v *VisitorApplication) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.Status = VisitPending
	return s.db(ctx).Create(v).Error
}

// GetVisit 读取申请
func (s *Store) GetVisit(ctx context.Context, id string) (*VisitorApplication, error) {
	var v VisitorApplication
	if err := s.db(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

// ListPendingVisits 商户的待审批申请，按提交时间排序
func (s *Store) ListPendingVisits(ctx context.Context, merchantID string) ([]VisitorApplication, error) {
	var visits []VisitorApplication
	err := s.db(ctx).
		Where("merchant_id = ? AND status = ?", merchantID, VisitPending).
		Order("created_at").
		Find(&visits).Error
	if err != nil {
		return nil, err
	}
	return visits, nil
}

// RejectVisit 拒绝申请。只有 pending 能被拒绝。
func (s *Store) RejectVisit(ctx context.Context, visitID, approverID, reason string) error {
	if err := s.requireApprover(ctx, visitID, approverID); err != nil {
		return err
	}

	res := s.db(ctx).Model(&VisitorApplication{}).
		Where("id = ? AND status = ?", visitID, VisitPending).
		Updates(map[string]any{
			"status":     VisitRejected,
			"decided_by": approverID,
			"decided_at": time.Now().Unix(),
			"reason":     reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVisitNotPending
	}

	s.recordEvent(ctx, visitID, approverID, "rejected", reason)
	return nil
}

// ApproveVisit 审批通过并签发通行码。状态翻转和通行码落库在
// 同一事务内，任一失败则申请保持 pending。审计写入包在保存点里，
// 失败只回退审计本身，不拖垮审批。
func (s *Store) ApproveVisit(ctx context.Context, visitID, approverID string) (*Passcode, error) {
	visit, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if err := s.requireApprover(ctx, visitID, approverID); err != nil {
		return nil, err
	}

	now := time.Now()
	pc := &Passcode{
		ID:         uuid.NewString(),
		VisitID:    visit.ID,
		MerchantID: visit.MerchantID,
		Status:     PasscodeIssued,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(s.issuer.TTL()).Unix(),
	}
	pc.Token, err = s.issuer.Issue(pc.ID, visit, now)
	if err != nil {
		return nil, err
	}

	err = s.mgr.Transaction(ctx, func(tx *database.TxCoordinator) error {
		// 带状态守卫的翻转：别人先批掉了就拿不到行
		res, err := tx.Exec(ctx,
			`UPDATE visitor_applications
			 SET status = ?, decided_by = ?, decided_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			VisitApproved, approverID, now.Unix(), now.Unix(), visitID, VisitPending,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVisitNotPending
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO passcodes (id, visit_id, merchant_id, token, status, issued_at, expires_at, used_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pc.ID, pc.VisitID, pc.MerchantID, pc.Token, pc.Status,
			pc.IssuedAt, pc.ExpiresAt, 0, now.Unix(),
		); err != nil {
			return err
		}

		// 审计是尽力而为：失败退回保存点，审批照常提交
		sp, err := tx.CreateSavepoint(ctx, "audit")
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO visit_events (id, visit_id, actor, action, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), visitID, approverID, "approved", "passcode "+pc.ID, now.Unix(),
		); err != nil {
			s.logger.Warn("audit insert failed, rolling back to savepoint",
				zap.String("visit_id", visitID), zap.Error(err))
			return tx.RollbackToSavepoint(ctx, sp)
		}
		return tx.ReleaseSavepoint(ctx, sp)
	})
	if err != nil {
		return nil, err
	}

	return pc, nil
}

// requireApprover 校验操作者属于申请所在商户且有审批权限
func (s *Store) requireApprover(ctx context.Context, visitID, approverID string) error {
	visit, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return err
	}

	var e Employee
	if err := s.db(ctx).First(&e, "id = ?", approverID).Error; err != nil {
		return wrapNotFound(err)
	}
	if !e.Approver || e.MerchantID != visit.MerchantID {
		return ErrNotApprover
	}
	return nil
}

// =============================================================================
// 🎫 通行码
// =============================================================================

// GetPasscodeForVisit 读取申请对应的通行码
func (s *Store) GetPasscodeForVisit(ctx context.Context, visitID string) (*Passcode, error) {
	var pc Passcode
	if err := s.db(ctx).First(&pc, "visit_id = ?", visitID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &pc, nil
}

// CheckIn 闸机核验：验 JWT、对照库内状态、单次使用。
// 状态守卫写回保证同一通行码并发核验只放行一次。
func (s *Store) CheckIn(ctx context.Context, token string) (*PasscodeClaims, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil, err
	}

	var pc Passcode
	if err := s.db(ctx).First(&pc, "id = ?", claims.ID).Error; err != nil {
		return nil, wrapNotFound(err)
	}

	now := time.Now().Unix()
	if pc.Status != PasscodeIssued || now > pc.ExpiresAt {
		return nil, ErrPasscodeNotUsable
	}

	res := s.db(ctx).Model(&Passcode{}).
		Where("id = ? AND status = ?", pc.ID, PasscodeIssued).
		Updates(map[string]any{"status": PasscodeUsed, "used_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrPasscodeNotUsable
	}

	s.recordEvent(ctx, pc.VisitID, "", "checked_in", "passcode "+pc.ID)
	return claims, nil
}

// RevokePasscode 撤销尚未使用的通行码
func (s *Store) RevokePasscode(ctx context.Context, passcodeID, actor string) error {
	res := s.db(ctx).Model(&Passcode{}).
		Where("id = ? AND status = ?", passcodeID, PasscodeIssued).
		Update("status", PasscodeRevoked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPasscodeNotUsable
	}

	var pc Passcode
	if err := s.db(ctx).First(&pc, "id = ?", passcodeID).Error; err == nil {
		s.recordEvent(ctx, pc.VisitID, actor, "revoked", "passcode "+passcodeID)
	}
	return nil
}

// =============================================================================
// 📝 审计
// =============================================================================

// VisitEvents 申请的审计轨迹，按时间排序
func (s *Store) VisitEvents(ctx context.Context, visitID string) ([]VisitEvent, error) {
	var events []VisitEvent
	err := s.db(ctx).
		Where("visit_id = ?", visitID).
		Order("created_at").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// recordEvent 事务外的审计写入，失败只打日志
func (s *Store) recordEvent(ctx context.Context, visitID, actor, action, detail string) {
	ev := VisitEvent{
		ID:      uuid.NewString(),
		VisitID: visitID,
		Actor:   actor,
		Action:  action,
		Detail:  detail,
	}
	if err := s.db(ctx).Create(&ev).Error; err != nil {
		s.logger.Warn("audit event write failed",
			zap.String("visit_id", visitID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
