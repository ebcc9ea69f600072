package wpl

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"wparse/pkg/types"
)

// cursor walks a raw payload byte-by-byte, tracking the furthest offset
// reached so a failed parse can report its depth.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) remaining() []byte { return c.data[c.pos:] }

func (c *cursor) eof() bool { return c.pos >= len(c.data) }

// Evaluator evaluates one compiled Rule against a raw payload.
type Evaluator struct {
	Rule *Rule
}

func NewEvaluator(rule *Rule) *Evaluator {
	return &Evaluator{Rule: rule}
}

// Proc is the WPL evaluator's public contract. prevDepth lets
// the caller (WplWorkshop, across multiple candidate rules) short-circuit
// errors that can't possibly beat the best depth already seen.
func (e *Evaluator) Proc(ev *types.SourceEvent, payload []byte, prevDepth int) (*types.DataRecord, []byte, *types.WparseError) {
	c := &cursor{data: payload}
	rec := &types.DataRecord{}

	for _, unit := range e.Rule.Root {
		reps := unit.Repeat
		if reps <= 0 {
			reps = 1
		}
		for i := 0; i < reps; i++ {
			if err := evalUnit(c, unit, rec); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, unit := range e.Rule.Root {
		if len(unit.Pipes) > 0 {
			if err := RunPipes(rec, unit.Pipes); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, ann := range e.Rule.Annotations {
		if err := ann(ev, rec); err != nil {
			return nil, nil, types.New(types.KindPlugin, "wpl", "annotation", err.Error()).Wrap(err)
		}
	}

	residue := payload[c.pos:]
	return rec, residue, nil
}

func evalUnit(c *cursor, unit *FieldEvalUnit, rec *types.DataRecord) *types.WparseError {
	switch unit.Meta {
	case MetaArray:
		return evalArray(c, unit, rec)
	case MetaJson:
		return evalJson(c, unit, rec)
	default:
		return evalScalar(c, unit, rec)
	}
}

// readToken consumes bytes up to (not including) the unit's separator, or a
// Stop marker, or end of input. It returns the token and whether a
// terminator was actually found (vs. hitting EOF, which is only valid for
// the last unit in a rule).
func readToken(c *cursor, unit *FieldEvalUnit) (string, bool) {
	rest := c.remaining()
	stop := len(rest)
	found := false
	if unit.Seps.Primary != "" {
		if idx := strings.Index(string(rest), unit.Seps.Primary); idx >= 0 && idx < stop {
			stop = idx
			found = true
		}
	}
	for _, s := range unit.Seps.Stop {
		if s == "" {
			continue
		}
		if idx := strings.Index(string(rest), s); idx >= 0 && idx < stop {
			stop = idx
			found = true
		}
	}
	tok := string(rest[:stop])
	c.pos += stop
	if found && unit.Seps.Primary != "" && strings.HasPrefix(string(c.remaining()), unit.Seps.Primary) {
		c.pos += len(unit.Seps.Primary)
	}
	return tok, found
}

func evalScalar(c *cursor, unit *FieldEvalUnit, rec *types.DataRecord) *types.WparseError {
	startPos := c.pos
	tok, found := readToken(c, unit)
	if !found && c.eof() && tok == "" {
		return types.DataErrorAt("wpl", "scalar", startPos, "unexpected end of input for field "+unit.Name)
	}

	if unit.Meta == MetaSkip {
		return nil
	}

	val, convErr := convertScalar(unit, tok)
	if convErr != nil {
		return types.DataErrorAt("wpl", "scalar", c.pos, convErr.Error())
	}
	if unit.Name != "" {
		rec.Append(types.NewField(unit.Name, val))
	}
	return nil
}

func convertScalar(unit *FieldEvalUnit, tok string) (types.Value, error) {
	switch unit.Meta {
	case MetaChars:
		return types.Chars(tok), nil
	case MetaDigit:
		n, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
		if err != nil {
			return types.Value{}, err
		}
		return types.Digit(n), nil
	case MetaFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return types.Value{}, err
		}
		return types.Float(f), nil
	case MetaBool:
		b, err := strconv.ParseBool(strings.TrimSpace(tok))
		if err != nil {
			return types.Value{}, err
		}
		return types.Bool(b), nil
	case MetaIP:
		ip := net.ParseIP(strings.TrimSpace(tok))
		if ip == nil {
			return types.Value{}, errBadIP(tok)
		}
		return types.IPAddr(ip), nil
	case MetaTime:
		layout := unit.Layout
		if layout == "" {
			layout = "02/Jan/2006:15:04:05 -0700"
		}
		t, err := time.Parse(layout, strings.TrimSpace(tok))
		if err != nil {
			return types.Value{}, err
		}
		return types.TimeVal(t), nil
	default:
		return types.Chars(tok), nil
	}
}

type badIPError string

func (e badIPError) Error() string { return "not an ip address: " + string(e) }
func errBadIP(tok string) error    { return badIPError(tok) }

// evalArray handles a MetaArray unit: repeatedly parse the child element
// unit, separated by ",", up to a stop marker (the array's own closer),
// allowing trailing comma and empty arrays `[]`.
func evalArray(c *cursor, unit *FieldEvalUnit, rec *types.DataRecord) *types.WparseError {
	if unit.Child == nil {
		return types.DataErrorAt("wpl", "array", c.pos, "array unit "+unit.Name+" missing child parser")
	}
	var elems []types.DataField
	for {
		rest := string(c.remaining())
		trimmed := strings.TrimLeft(rest, ", ")
		skipped := len(rest) - len(trimmed)
		c.pos += skipped
		if c.eof() {
			break
		}
		for _, s := range unit.Seps.Stop {
			if s != "" && strings.HasPrefix(string(c.remaining()), s) {
				goto done
			}
		}
		{
			elemRec := &types.DataRecord{}
			child := *unit.Child
			child.Seps.Stop = append(append([]string{}, child.Seps.Stop...), unit.Seps.Stop...)
			if child.Seps.Primary == "" {
				child.Seps.Primary = ","
			}
			if err := evalUnit(c, &child, elemRec); err != nil {
				return err
			}
			if len(elemRec.Fields) > 0 {
				elems = append(elems, elemRec.Fields[0])
			} else {
				elems = append(elems, types.NewField("", types.Null()))
			}
		}
	}
done:
	if unit.Name != "" {
		rec.Append(types.NewField(unit.Name, types.Array(elems)))
	}
	return nil
}

// evalJson delegates to encoding/json and then projects the requested
// sub-fields out of the decoded tree.
func evalJson(c *cursor, unit *FieldEvalUnit, rec *types.DataRecord) *types.WparseError {
	tok, _ := readToken(c, unit)
	var decoded any
	if err := json.Unmarshal([]byte(tok), &decoded); err != nil {
		return types.DataErrorAt("wpl", "json", c.pos, "invalid json for field "+unit.Name+": "+err.Error())
	}
	value := jsonToValue(decoded)
	if len(unit.JsonFields) == 0 {
		if unit.Name != "" {
			rec.Append(types.NewField(unit.Name, value))
		}
		return nil
	}
	m, ok := asObjMap(value)
	if !ok {
		return types.DataErrorAt("wpl", "json", c.pos, "json field "+unit.Name+" is not an object")
	}
	var sub []types.DataField
	for _, jf := range unit.JsonFields {
		raw, found := m[jf.Key]
		if !found {
			sub = append(sub, types.NewField(jf.Key, types.Null()))
			continue
		}
		sub = append(sub, types.NewField(jf.Key, castJsonLeaf(jf.Meta, raw)))
	}
	if unit.Name != "" {
		rec.Append(types.NewField(unit.Name, types.Obj(sub)))
	} else {
		rec.Fields = append(rec.Fields, sub...)
	}
	return nil
}

func jsonToValue(v any) types.Value {
	switch t := v.(type) {
	case nil:
		return types.Null()
	case string:
		return types.Chars(t)
	case float64:
		if t == float64(int64(t)) {
			return types.Digit(int64(t))
		}
		return types.Float(t)
	case bool:
		return types.Bool(t)
	case []any:
		var elems []types.DataField
		for _, e := range t {
			elems = append(elems, types.NewField("", jsonToValue(e)))
		}
		return types.Array(elems)
	case map[string]any:
		var fields []types.DataField
		for k, e := range t {
			fields = append(fields, types.NewField(k, jsonToValue(e)))
		}
		return types.Obj(fields)
	default:
		return types.Null()
	}
}

func asObjMap(v types.Value) (map[string]types.Value, bool) {
	if v.Kind != types.KindObj {
		return nil, false
	}
	m := make(map[string]types.Value, len(v.Obj))
	for _, f := range v.Obj {
		m[f.Name] = f.Value
	}
	return m, true
}

func castJsonLeaf(meta MetaType, v types.Value) types.Value {
	switch meta {
	case MetaChars:
		return types.Chars(v.Raw())
	case MetaDigit:
		if v.Kind == types.KindDigit {
			return v
		}
		n, _ := strconv.ParseInt(v.Raw(), 10, 64)
		return types.Digit(n)
	case MetaFloat:
		if v.Kind == types.KindFloat {
			return v
		}
		f, _ := strconv.ParseFloat(v.Raw(), 64)
		return types.Float(f)
	default:
		return v
	}
}
