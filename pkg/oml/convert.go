package oml

import (
	"net"
	"strconv"
	"strings"

	"wparse/pkg/types"
)

// Convert applies the type-conversion table: target Auto is a
// pass-through, Chars renders via the Raw formatter, and every other
// target attempts a parse, recording a ParseFail diagnostic and keeping
// the original value as Chars on failure.
func Convert(v types.Value, target types.DataType, field string, diag *IssueBuffer) types.Value {
	switch target {
	case types.TypeAuto:
		return v
	case types.TypeChars:
		return types.Chars(v.Raw())
	case types.TypeJson:
		return v
	case types.TypeDigit:
		if v.Kind == types.KindDigit {
			return v
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v.Raw()), 10, 64)
		if err != nil {
			diag.record(IssueParseFail, field, "not an integer: "+v.Raw())
			return types.Chars(v.Raw())
		}
		return types.Digit(n)
	case types.TypeFloat:
		if v.Kind == types.KindFloat {
			return v
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Raw()), 64)
		if err != nil {
			diag.record(IssueParseFail, field, "not a float: "+v.Raw())
			return types.Chars(v.Raw())
		}
		return types.Float(f)
	case types.TypeBool:
		if v.Kind == types.KindBool {
			return v
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v.Raw()))
		if err != nil {
			diag.record(IssueParseFail, field, "not a bool: "+v.Raw())
			return types.Chars(v.Raw())
		}
		return types.Bool(b)
	case types.TypeIP:
		if v.Kind == types.KindIPAddr {
			return v
		}
		ip := net.ParseIP(strings.TrimSpace(v.Raw()))
		if ip == nil {
			diag.record(IssueParseFail, field, "not an ip address: "+v.Raw())
			return types.Chars(v.Raw())
		}
		return types.IPAddr(ip)
	case types.TypeArray, types.TypeObj:
		return v
	default:
		return v
	}
}
