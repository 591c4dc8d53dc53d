package backtester

import "fmt"

// Token selects one of the pool's two assets. The fee accumulators and
// fee-growth snapshots are length-2 arrays indexed by it.
type Token int

const (
	Token0 Token = iota
	Token1
)

func (t Token) Valid() bool {
	return t == Token0 || t == Token1
}

func (t Token) String() string {
	switch t {
	case Token0:
		return "token0"
	case Token1:
		return "token1"
	default:
		return fmt.Sprintf("token(%d)", int(t))
	}
}
