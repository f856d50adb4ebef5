package housekeeping

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coldvault/backupstore/pkg/types"
)

func TestGroupByNameAndMarkNumbersNewestAsYoungest(t *testing.T) {
	entries := []types.DirectoryEntry{
		{ObjectID: 1, ClearName: "a", MarkNumber: 0},
		{ObjectID: 2, ClearName: "a", MarkNumber: 0},
		{ObjectID: 3, ClearName: "a", MarkNumber: 0},
	}
	groups := groupByNameAndMark(entries)

	assert.Equal(t, 2, groups.ageOf("a", 0, 1))
	assert.Equal(t, 1, groups.ageOf("a", 0, 2))
	assert.Equal(t, 0, groups.ageOf("a", 0, 3))
}

func TestGroupByNameAndMarkKeepsDistinctNamesSeparate(t *testing.T) {
	entries := []types.DirectoryEntry{
		{ObjectID: 1, ClearName: "a", MarkNumber: 0},
		{ObjectID: 2, ClearName: "b", MarkNumber: 0},
	}
	groups := groupByNameAndMark(entries)

	assert.Equal(t, 0, groups.ageOf("a", 0, 1))
	assert.Equal(t, 0, groups.ageOf("b", 0, 2))
}

func TestBlocksForBytesRoundsUpToBlockSize(t *testing.T) {
	assert.Equal(t, int64(0), blocksForBytes(0))
	assert.Equal(t, int64(1), blocksForBytes(1))
	assert.Equal(t, int64(1), blocksForBytes(blockSize))
	assert.Equal(t, int64(2), blocksForBytes(blockSize+1))
}
