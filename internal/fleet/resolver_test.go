package fleet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmaint/dispatchd/internal/model"
)

func snapshotFixture() []*model.AssetStatus {
	return []*model.AssetStatus{
		{
			TypeID:  "chassis-9000",
			AssetID: "asset-001",
			Status:  model.AssetHealthGood,
			SubAssets: []*model.AssetStatus{
				{TypeID: "bmc-ctrl", AssetID: "asset-001-bmc", Status: model.AssetHealthGood},
				{TypeID: "io-board", AssetID: "asset-001-io", Status: model.AssetHealthError},
			},
		},
		{
			TypeID:    "chassis-9000",
			AssetID:   "asset-002",
			Status:    model.AssetHealthMissing,
			SubAssets: []*model.AssetStatus{},
		},
	}
}

func TestResolveReturnsRootOnTypeMatch(t *testing.T) {
	snapshot := snapshotFixture()

	resolved, err := Resolve(
		model.AssetRef{TypeID: "chassis-9000", AssetID: "asset-001"},
		"chassis-9000",
		snapshot,
	)
	require.NoError(t, err)

	if diff := cmp.Diff(snapshot[0], resolved); diff != "" {
		t.Fatalf("resolved entry mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveReturnsFirstMatchingSubAsset(t *testing.T) {
	snapshot := snapshotFixture()

	resolved, err := Resolve(
		model.AssetRef{TypeID: "chassis-9000", AssetID: "asset-001"},
		"io-board",
		snapshot,
	)
	require.NoError(t, err)

	if diff := cmp.Diff(snapshot[0].SubAssets[1], resolved); diff != "" {
		t.Fatalf("resolved entry mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveUnknownRoot(t *testing.T) {
	_, err := Resolve(
		model.AssetRef{TypeID: "chassis-9000", AssetID: "asset-404"},
		"chassis-9000",
		snapshotFixture(),
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssetNotFound))
}

func TestResolveUnknownSubAssetType(t *testing.T) {
	_, err := Resolve(
		model.AssetRef{TypeID: "chassis-9000", AssetID: "asset-001"},
		"psu-module",
		snapshotFixture(),
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssetNotFound))
}

func TestResolveDuplicateRoot(t *testing.T) {
	snapshot := snapshotFixture()
	snapshot = append(snapshot, snapshot[0])

	_, err := Resolve(
		model.AssetRef{TypeID: "chassis-9000", AssetID: "asset-001"},
		"chassis-9000",
		snapshot,
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRootAsset))
}

func TestFillMissingSynthesizesUncoveredRefs(t *testing.T) {
	refs := []model.AssetRef{
		{TypeID: "chassis-9000", AssetID: "asset-001"},
		{TypeID: "chassis-9000", AssetID: "asset-007"},
	}

	entries := []*model.AssetStatus{snapshotFixture()[0]}

	filled := FillMissing(refs, entries)
	require.Len(t, filled, 2)

	assert.Equal(t, "asset-007", filled[1].AssetID)
	assert.Equal(t, model.AssetHealthMissing, filled[1].Status)
	assert.Empty(t, filled[1].SubAssets)
}

func TestFillMissingKeepsCoveredEntriesUntouched(t *testing.T) {
	refs := []model.AssetRef{{TypeID: "chassis-9000", AssetID: "asset-001"}}
	entries := []*model.AssetStatus{snapshotFixture()[0]}

	filled := FillMissing(refs, entries)
	require.Len(t, filled, 1)

	if diff := cmp.Diff(entries[0], filled[0]); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
}
