package cache

import "fmt"

// 键命名约定: visitdesk:<域>:<标识>。
// 所有键构造集中在这里，避免调用方各自拼接出不一致的格式。

// StatusKey 连接管理器状态快照
func StatusKey(manager string) string {
	return fmt.Sprintf("visitdesk:status:%s", manager)
}

// MerchantKey 商户资料
func MerchantKey(merchantID string) string {
	return fmt.Sprintf("visitdesk:merchant:%s", merchantID)
}

// VisitKey 访客申请
func VisitKey(visitID string) string {
	return fmt.Sprintf("visitdesk:visit:%s", visitID)
}

// PasscodeKey 已签发通行码
func PasscodeKey(passcodeID string) string {
	return fmt.Sprintf("visitdesk:passcode:%s", passcodeID)
}

// MerchantVisitsKey 商户的待处理申请列表
func MerchantVisitsKey(merchantID string) string {
	return fmt.Sprintf("visitdesk:merchant:%s:visits", merchantID)
}
