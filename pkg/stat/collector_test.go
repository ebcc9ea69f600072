package stat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/types"
)

func reqWith(collect []string, topN int) StatisticalRequest {
	return StatisticalRequest{Name: "r", Stage: StageParse, Target: "all", Collect: collect, TopN: topN}
}

func recWith(pairs ...string) *types.DataRecord {
	rec := &types.DataRecord{}
	for i := 0; i+1 < len(pairs); i += 2 {
		rec.Append(types.NewField(pairs[i], types.Chars(pairs[i+1])))
	}
	return rec
}

func TestAggregateBucketWithoutDimensions(t *testing.T) {
	c := NewStatCollector(reqWith(nil, 10))
	c.RecordTask(nil, true)
	c.RecordTask(nil, false)
	c.RecordTask(nil, true)

	slice := c.Slice()
	require.Len(t, slice.Units, 1)
	for _, u := range slice.Units {
		assert.Equal(t, int64(3), u.Total)
		assert.Equal(t, int64(2), u.Success)
	}
}

func TestDimensionKeysFromRecord(t *testing.T) {
	c := NewStatCollector(reqWith([]string{"host"}, 10))
	c.RecordTask(recWith("host", "a"), true)
	c.RecordTask(recWith("host", "a"), true)
	c.RecordTask(recWith("host", "b"), false)

	slice := c.Slice()
	require.Len(t, slice.Units, 2)
	assert.Equal(t, int64(2), slice.Units["a"].Total)
	assert.Equal(t, int64(1), slice.Units["b"].Total)
}

func TestTopNCapFoldsIntoOldest(t *testing.T) {
	c := NewStatCollector(reqWith([]string{"host"}, 2))
	c.RecordTask(recWith("host", "a"), true)
	c.RecordTask(recWith("host", "b"), true)
	c.RecordTask(recWith("host", "c"), true) // over cap: folds into "a"

	slice := c.Slice()
	require.Len(t, slice.Units, 2)
	assert.Equal(t, int64(2), slice.Units["a"].Total)
}

func TestTargetMatching(t *testing.T) {
	all := StatisticalRequest{Target: "all"}
	ignore := StatisticalRequest{Target: "ignore"}
	sub := StatisticalRequest{Target: "nginx"}

	assert.True(t, all.Matches("anything"))
	assert.False(t, ignore.Matches("anything"))
	assert.True(t, sub.Matches("nginx-front"))
	assert.False(t, sub.Matches("postfix"))
}

func TestMeasureUnitMergeAndRates(t *testing.T) {
	a := newMeasureUnit()
	a.record(true)
	a.record(false)
	time.Sleep(5 * time.Millisecond)
	b := newMeasureUnit()
	b.record(true)

	a.merge(b)
	assert.Equal(t, int64(3), a.Total)
	assert.Equal(t, int64(2), a.Success)
	assert.InDelta(t, 66.7, a.Rate(), 0.1)
	assert.GreaterOrEqual(t, a.Speed(), 0.0)
}

func TestMetricCollectorsFanOut(t *testing.T) {
	m := NewMetricCollectors([]StatisticalRequest{
		{Name: "parse-all", Stage: StageParse, Target: "all", TopN: 10},
		{Name: "parse-nginx", Stage: StageParse, Target: "nginx", TopN: 10},
		{Name: "sink-all", Stage: StageSink, Target: "all", TopN: 10},
	})

	m.RecordTask(StageParse, "nginx-front", nil, true)
	m.RecordTask(StageParse, "postfix", nil, true)

	slices := m.Flush()
	require.Len(t, slices, 3)
	byName := map[string]StatSlice{}
	for _, s := range slices {
		byName[s.Name] = s
	}
	assert.Len(t, byName["parse-all"].Units, 1)
	var total int64
	for _, u := range byName["parse-all"].Units {
		total += u.Total
	}
	assert.Equal(t, int64(2), total)

	var nginxTotal int64
	for _, u := range byName["parse-nginx"].Units {
		nginxTotal += u.Total
	}
	assert.Equal(t, int64(1), nginxTotal)
	assert.Empty(t, byName["sink-all"].Units)
}
