package logger

// RedactPhone masks a phone number for safe logging.
// "+5511999990000" -> "+55*******0000". Short numbers are fully masked.
func RedactPhone(phone string) string {
	if len(phone) <= 6 {
		return "***"
	}
	head, tail := 3, 4
	masked := make([]byte, 0, len(phone))
	masked = append(masked, phone[:head]...)
	for i := head; i < len(phone)-tail; i++ {
		masked = append(masked, '*')
	}
	masked = append(masked, phone[len(phone)-tail:]...)
	return string(masked)
}
