package broadcast

import (
	"errors"
	"math/big"
	"regexp"
	"strings"
)

var underpricedFragments = []string{
	"underpriced",
	"fee too low",
	"gas price below minimum",
	"gas tip cap",
	"max fee per gas less than block base fee",
	"feecap too low",
	"insufficient fee",
}

var minFeePatterns = []*regexp.Regexp{
	regexp.MustCompile(`minimum needed:?\s*(\d+)`),
	regexp.MustCompile(`basefee:?\s*(\d+)`),
	regexp.MustCompile(`base fee:?\s*(\d+)`),
	regexp.MustCompile(`minimum:?\s*(\d+)`),
}

// UnderpricedError carries the network's minimum fee when the rejection
// text included one.
type UnderpricedError struct {
	MinFee *big.Int
	Err    error
}

func (e *UnderpricedError) Error() string { return "underpriced: " + e.Err.Error() }
func (e *UnderpricedError) Unwrap() []error {
	return []error{ErrUnderpriced, e.Err}
}

// IsUnderpricedText reports whether an RPC rejection means the quoted fee
// was under the network floor.
func IsUnderpricedText(s string) bool {
	s = strings.ToLower(s)
	for _, f := range underpricedFragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

// ParseMinFee extracts the largest fee figure the node reported, or nil.
func ParseMinFee(s string) *big.Int {
	s = strings.ToLower(s)
	var best *big.Int
	for _, re := range minFeePatterns {
		for _, m := range re.FindAllStringSubmatch(s, -1) {
			v, ok := new(big.Int).SetString(m[1], 10)
			if !ok {
				continue
			}
			if best == nil || v.Cmp(best) > 0 {
				best = v
			}
		}
	}
	return best
}

// MinFeeOf returns the minimum fee carried by an underpriced error, or nil.
func MinFeeOf(err error) *big.Int {
	var ue *UnderpricedError
	if errors.As(err, &ue) && ue.MinFee != nil {
		return new(big.Int).Set(ue.MinFee)
	}
	return nil
}
