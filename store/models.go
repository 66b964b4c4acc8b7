package store

// =============================================================================
// 🏢 数据模型
// =============================================================================

// VisitStatus 访客申请状态
type VisitStatus string

const (
	VisitPending   VisitStatus = "pending"
	VisitApproved  VisitStatus = "approved"
	VisitRejected  VisitStatus = "rejected"
	VisitCancelled VisitStatus = "cancelled"
)

// PasscodeStatus 通行码状态
type PasscodeStatus string

const (
	PasscodeIssued  PasscodeStatus = "issued"
	PasscodeUsed    PasscodeStatus = "used"
	PasscodeRevoked PasscodeStatus = "revoked"
	PasscodeExpired PasscodeStatus = "expired"
)

// Merchant 入驻商户
type Merchant struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	Name      string `gorm:"size:200;not null" json:"name"`
	Contact   string `gorm:"size:100" json:"contact"`
	Phone     string `gorm:"size:32" json:"phone"`
	Active    bool   `gorm:"default:true" json:"active"`
	CreatedAt int64  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt int64  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Employee 商户员工，访客申请的受访人与审批人
type Employee struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	MerchantID string `gorm:"size:36;not null;index:idx_employee_merchant" json:"merchant_id"`
	Name       string `gorm:"size:100;not null" json:"name"`
	Email      string `gorm:"size:200" json:"email"`
	Approver   bool   `gorm:"default:false" json:"approver"` // 是否具备审批权限
	CreatedAt  int64  `gorm:"autoCreateTime" json:"created_at"`
}

// VisitorApplication 访客申请
type VisitorApplication struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	MerchantID  string      `gorm:"size:36;not null;index:idx_visit_merchant" json:"merchant_id"`
	EmployeeID  string      `gorm:"size:36;not null" json:"employee_id"` // 受访员工
	VisitorName string      `gorm:"size:100;not null" json:"visitor_name"`
	VisitorID   string      `gorm:"size:64" json:"visitor_id"` // 访客证件号
	Phone       string      `gorm:"size:32" json:"phone"`
	Purpose     string      `gorm:"type:text" json:"purpose"`
	Status      VisitStatus `gorm:"size:16;not null;default:pending;index:idx_visit_status" json:"status"`
	VisitAt     int64       `gorm:"not null" json:"visit_at"` // 预约到访时间（Unix 秒）
	DecidedBy   string      `gorm:"size:36" json:"decided_by"`
	DecidedAt   int64       `json:"decided_at"`
	Reason      string      `gorm:"size:500" json:"reason"` // 拒绝原因
	CreatedAt   int64       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   int64       `gorm:"autoUpdateTime" json:"updated_at"`
}

// VisitEvent 申请的操作审计记录。写入失败不阻断主流程。
type VisitEvent struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	VisitID   string `gorm:"size:36;not null;index:idx_event_visit" json:"visit_id"`
	Actor     string `gorm:"size:36" json:"actor"`
	Action    string `gorm:"size:32;not null" json:"action"`
	Detail    string `gorm:"size:500" json:"detail"`
	CreatedAt int64  `gorm:"autoCreateTime" json:"created_at"`
}

// Passcode 审批通过后签发的通行码。
// Token 为 JWT，由 PasscodeIssuer 签发，闸机侧离线可验。
type Passcode struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	VisitID    string         `gorm:"size:36;not null;uniqueIndex:idx_passcode_visit" json:"visit_id"`
	MerchantID string         `gorm:"size:36;not null" json:"merchant_id"`
	Token      string         `gorm:"type:text;not null" json:"token"`
	Status     PasscodeStatus `gorm:"size:16;not null;default:issued" json:"status"`
	IssuedAt   int64          `gorm:"not null" json:"issued_at"`
	ExpiresAt  int64          `gorm:"not null" json:"expires_at"`
	UsedAt     int64          `json:"used_at"`
	CreatedAt  int64          `gorm:"autoCreateTime" json:"created_at"`
}
