package sqlmini

import (
	"fmt"
	"strconv"
)

// Row is one table row: column name to a Go-native scalar (string, int64,
// or float64). sqlmini stays independent of pkg/types so the knowledge
// package can sit between the storage format and the OML evaluator's
// value model without a dependency cycle.
type Row map[string]any

// Run evaluates q against rows (already the full contents of q.Table) and
// returns the projected columns of every matching row, in row order.
func Run(q *Query, rows []Row) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		if q.Where != nil {
			ok, err := evalBool(q.Where, row)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		proj := make(Row, len(q.Columns))
		for _, col := range q.Columns {
			proj[col] = row[col]
		}
		out = append(out, proj)
	}
	return out, nil
}

func evalBool(e Expr, row Row) (bool, error) {
	switch n := e.(type) {
	case BinOp:
		switch n.Op {
		case "and":
			l, err := evalBool(n.Left, row)
			if err != nil || !l {
				return false, err
			}
			return evalBool(n.Right, row)
		case "or":
			l, err := evalBool(n.Left, row)
			if err != nil {
				return false, err
			}
			if l {
				return true, nil
			}
			return evalBool(n.Right, row)
		default:
			lv, err := evalValue(n.Left, row)
			if err != nil {
				return false, err
			}
			rv, err := evalValue(n.Right, row)
			if err != nil {
				return false, err
			}
			return compare(n.Op, lv, rv)
		}
	default:
		return false, fmt.Errorf("sqlmini: expression is not boolean")
	}
}

func evalValue(e Expr, row Row) (any, error) {
	switch n := e.(type) {
	case Column:
		return row[n.Name], nil
	case Literal:
		return n.Value, nil
	case Param:
		return row["__param_"+n.Name], nil
	case Call:
		return evalCall(n, row)
	default:
		return nil, fmt.Errorf("sqlmini: not a value expression")
	}
}

func evalCall(c Call, row Row) (any, error) {
	switch c.Name {
	case "ip4_int":
		if len(c.Args) != 1 {
			return nil, fmt.Errorf("ip4_int takes exactly one argument")
		}
		v, err := evalValue(c.Args[0], row)
		if err != nil {
			return nil, err
		}
		s, _ := v.(string)
		return ip4ToInt(s)
	default:
		return nil, fmt.Errorf("sqlmini: unknown function %q", c.Name)
	}
}

func ip4ToInt(s string) (int64, error) {
	var a, b, c, d int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return 0, fmt.Errorf("not a v4 address: %s", s)
	}
	return int64(a)<<24 | int64(b)<<16 | int64(c)<<8 | int64(d), nil
}

func compare(op string, l, r any) (bool, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "=":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls := fmt.Sprintf("%v", l)
	rs := fmt.Sprintf("%v", r)
	switch op {
	case "=":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	default:
		return false, fmt.Errorf("sqlmini: operator %q needs numeric operands", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case string:
		// CSV-imported cells arrive as strings; a numeric-looking cell
		// still participates in range predicates.
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
