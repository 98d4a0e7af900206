// Copyright 2025 The NimbusFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type IntervalTest struct {
	suite.Suite
}

func TestIntervalSuite(t *testing.T) {
	suite.Run(t, new(IntervalTest))
}

func (t *IntervalTest) TestInsertCoalescesAdjacentRanges() {
	ix := New()
	ix.Insert(0, 10)
	ix.Insert(10, 10)

	assert.Equal(t.T(), []Range{{Start: 0, End: 20}}, ix.Ranges())
}

func (t *IntervalTest) TestInsertCoalescesOverlappingRanges() {
	ix := New()
	ix.Insert(0, 10)
	ix.Insert(5, 10)

	assert.Equal(t.T(), []Range{{Start: 0, End: 15}}, ix.Ranges())
}

func (t *IntervalTest) TestInsertKeepsDisjointRangesSeparate() {
	ix := New()
	ix.Insert(0, 10)
	ix.Insert(20, 10)

	assert.Equal(t.T(), []Range{{Start: 0, End: 10}, {Start: 20, End: 30}}, ix.Ranges())
}

func (t *IntervalTest) TestInsertBridgesGapBetweenTwoRanges() {
	ix := New()
	ix.Insert(0, 10)
	ix.Insert(20, 10)
	ix.Insert(10, 10)

	assert.Equal(t.T(), []Range{{Start: 0, End: 30}}, ix.Ranges())
}

func (t *IntervalTest) TestIdempotentReinsert() {
	ix := New()
	ix.Insert(10, 5)
	ix.Insert(10, 5)

	assert.Equal(t.T(), []Range{{Start: 10, End: 15}}, ix.Ranges())
}

func (t *IntervalTest) TestCovers() {
	ix := New()
	ix.Insert(10, 5)

	assert.True(t.T(), ix.Covers(10))
	assert.True(t.T(), ix.Covers(14))
	assert.False(t.T(), ix.Covers(15))
	assert.False(t.T(), ix.Covers(9))
	assert.False(t.T(), ix.Covers(100))
}

func (t *IntervalTest) TestIntersecting() {
	ix := New()
	ix.Insert(0, 10)
	ix.Insert(20, 10)
	ix.Insert(40, 10)

	var got []Range
	ix.Intersecting(5, 25, func(r Range) bool {
		got = append(got, r)
		return true
	})

	assert.Equal(t.T(), []Range{{Start: 0, End: 10}, {Start: 20, End: 30}}, got)
}

func (t *IntervalTest) TestIntersectingStopsEarly() {
	ix := New()
	ix.Insert(0, 10)
	ix.Insert(20, 10)
	ix.Insert(40, 10)

	var got []Range
	ix.Intersecting(0, 100, func(r Range) bool {
		got = append(got, r)
		return len(got) < 1
	})

	assert.Equal(t.T(), []Range{{Start: 0, End: 10}}, got)
}

// TestRoundTripThroughIndexFile: write N ranges, reload from
// the on-disk index file, and assert the interval tree matches.
func (t *IntervalTest) TestRoundTripThroughIndexFile() {
	f := newMemIndexFile()
	assert.NoError(t.T(), WriteHeader(f, 100))
	assert.NoError(t.T(), AppendRecord(f, 0, 10, 5))
	assert.NoError(t.T(), AppendRecord(f, 1, 60, 8))

	ix, copyFromOriginal, count, err := LoadFromIndexFile(f)

	assert.NoError(t.T(), err)
	assert.Equal(t.T(), int64(100), copyFromOriginal)
	assert.Equal(t.T(), 2, count)
	assert.Equal(t.T(), []Range{{Start: 10, End: 15}, {Start: 60, End: 68}}, ix.Ranges())
}

func (t *IntervalTest) TestLoadFromEmptyFileReturnsEmptyIndex() {
	f := newMemIndexFile()

	ix, copyFromOriginal, count, err := LoadFromIndexFile(f)

	assert.NoError(t.T(), err)
	assert.Equal(t.T(), int64(0), copyFromOriginal)
	assert.Equal(t.T(), 0, count)
	assert.Equal(t.T(), 0, ix.Len())
}

func (t *IntervalTest) TestLoadRejectsTruncatedRecord() {
	f := newMemIndexFile()
	assert.NoError(t.T(), WriteHeader(f, 0))
	// One byte short of a full record.
	f.truncateTo(HeaderSize + RecordSize - 1)

	_, _, _, err := LoadFromIndexFile(f)

	assert.Error(t.T(), err)
}
