package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

type Policy interface {
	OnBackPressure(s *Session) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(s *Session) BackpressureAction {
	return KickMember
}
