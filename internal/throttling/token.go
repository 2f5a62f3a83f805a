package throttling

import "strconv"

// Token identifies one registration on a Scheduler.
//
// Tokens are comparable and can be used as map keys. The zero Token is never
// issued; passing it to Remove returns ErrInvalidArgument, as does passing a
// token issued by a different Scheduler.
type Token struct {
	owner *Scheduler
	id    uint64
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool { return t.owner == nil && t.id == 0 }

func (t Token) String() string {
	if t.IsZero() {
		return "timer#none"
	}
	return "timer#" + strconv.FormatUint(t.id, 10)
}
