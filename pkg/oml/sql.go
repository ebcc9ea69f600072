package oml

import (
	"sort"

	"wparse/pkg/types"
)

// maxSQLParams is the supported named-parameter arity, a fixed cap; beyond
// this the query is recorded as an IssueSQLArityExceeded diagnostic and
// skipped rather than attempted.
const maxSQLParams = 5

// evalSQL resolves every named parameter, normalises a cache key, and
// delegates to the knowledge DB facade. Returns nil (never an error; SQL
// failures are diagnostics) when the arity is exceeded or the DB reports
// a failure.
func (e *Evaluator) evalSQL(q SqlQuery, work, dest *types.DataRecord) []types.DataField {
	if e.DB == nil {
		e.diag.record(IssueSQLError, q.SQLText, "no knowledge db configured")
		return nil
	}
	if len(q.NamedParams) > maxSQLParams {
		e.diag.record(IssueSQLArityExceeded, q.SQLText, "too many named params")
		return nil
	}

	names := make([]string, 0, len(q.NamedParams))
	for name := range q.NamedParams {
		names = append(names, name)
	}
	sort.Strings(names)

	bind := make(map[string]types.Value, len(names))
	var keyFields []types.DataField
	for _, name := range names {
		v, ok := e.extractOne(q.NamedParams[name], work, dest)
		if !ok {
			v = types.Null()
		}
		bind[name] = v
		// Normalise meta to Auto to avoid cache fragmentation across
		// type-converted callers of the same parameter.
		keyFields = append(keyFields, types.DataField{Meta: types.TypeAuto, Name: name, Value: v})
	}

	fields, err := e.DB.CacheQuery(q.SQLText, keyFields, bind)
	if err != nil {
		e.diag.record(IssueSQLError, q.SQLText, err.Error())
		return nil
	}
	return fields
}
