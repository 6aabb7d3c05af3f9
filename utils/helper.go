package utils

func NewTrue() *bool {
	b := true
	return &b
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
