package fleet

import (
	"github.com/pkg/errors"

	"github.com/fleetmaint/dispatchd/internal/model"
)

var (
	// ErrAssetNotFound indicates the snapshot holds no entry for the
	// requested asset topology.
	ErrAssetNotFound = errors.New("asset not found in availability snapshot")

	// ErrDuplicateRootAsset indicates a data-integrity violation in the
	// snapshot: more than one root entry for the same asset identity.
	ErrDuplicateRootAsset = errors.New("duplicate root entry in availability snapshot")
)

// Resolve locates the snapshot entry that must receive a command for the
// given task-asset.
//
// The root entry is the one matching the task-asset's (typeID, assetID)
// identity. When the root's own type matches desiredTypeID the root itself
// is returned - "give me this device". Otherwise the root's sub-assets are
// scanned and the first entry of the desired type is returned - the
// desired type is then a documented sub-component of the addressed device.
func Resolve(taskAsset model.AssetRef, desiredTypeID string, snapshot []*model.AssetStatus) (*model.AssetStatus, error) {
	var root *model.AssetStatus

	for _, entry := range snapshot {
		if entry.AssetID != taskAsset.AssetID || entry.TypeID != taskAsset.TypeID {
			continue
		}

		if root != nil {
			return nil, errors.Wrap(ErrDuplicateRootAsset, taskAsset.TypeID+"/"+taskAsset.AssetID)
		}

		root = entry
	}

	if root == nil {
		return nil, errors.Wrap(ErrAssetNotFound, taskAsset.TypeID+"/"+taskAsset.AssetID)
	}

	if root.TypeID == desiredTypeID {
		return root, nil
	}

	for _, sub := range root.SubAssets {
		if sub.TypeID == desiredTypeID {
			return sub, nil
		}
	}

	return nil, errors.Wrap(ErrAssetNotFound, "no sub-asset of type "+desiredTypeID)
}
