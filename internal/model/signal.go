package model

import "fmt"

// Signal is the outcome of one Signal Engine evaluation.
type Signal uint8

const (
	SignalNone Signal = iota
	SignalOpenLong
	SignalOpenShort
	SignalCloseLong
	SignalCloseShort
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalOpenLong:
		return "open_long"
	case SignalOpenShort:
		return "open_short"
	case SignalCloseLong:
		return "close_long"
	case SignalCloseShort:
		return "close_short"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}
