/*
 * Copyright 2024-present Open Networking Foundation
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package attrdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/opencord/voltha-lib-go/v7/pkg/db/kvstore"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

// CBasePathOtaKVStore - kv store base path of the OTA client attributes, %s is the instance id
const CBasePathOtaKVStore = "service/ota/%s"

// ErrNoKvStore - the attribute DB works without a kv store
var ErrNoKvStore = errors.New("no-kv-store")

// ErrNoAttributes - no attributes stored for the node
var ErrNoAttributes = errors.New("no-attributes")

// KvBackend is the part of the voltha db.Backend used by the attribute DB
type KvBackend interface {
	Get(ctx context.Context, key string) (*kvstore.KVPair, error)
	Put(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
}

type otaPersistentData struct {
	NodeID                string                 `json:"node_id"`
	UpgradeServerID       uint64                 `json:"upgrade_server_id"`
	FileOffset            uint32                 `json:"file_offset"`
	CurrentFileVersion    uint32                 `json:"current_file_version"`
	DownloadedFileVersion uint32                 `json:"downloaded_file_version"`
	DownloadedImageType   uint16                 `json:"downloaded_image_type"`
	ManufacturerID        uint16                 `json:"manufacturer_id"`
	ImageTypeID           uint16                 `json:"image_type_id"`
	MinimumBlockPeriod    uint16                 `json:"minimum_block_period"`
	ImageUpgradeStatus    cmn.ImageUpgradeStatus `json:"image_upgrade_status"`
	UpgradeStatusName     string                 `json:"image_upgrade_status_name"`
	DownloadPercentage    uint8                  `json:"download_percentage"`
	FsmState              string                 `json:"fsm_state"`
	UpdateTime            time.Time              `json:"update_time"`
}

//OtaAttributeDB keeps the OTA client attributes of one node and mirrors them into the kv store.
//The file offset alone does not cause a write, progress is written per percent.
type OtaAttributeDB struct {
	nodeID          string
	mutexAttributes sync.RWMutex
	attributes      cmn.OtaAttributes
	stored          bool
	storedKey       cmn.OtaAttributes
	mutexKVStore    sync.Mutex
	kvStore         KvBackend
	kvStorePath     string
	kvStoreErrors   uint32
}

//NewOtaAttributeDB constructor returns a new instance of an OtaAttributeDB, aKvStore may be nil
func NewOtaAttributeDB(ctx context.Context, aNodeID string, aKvStore KvBackend) *OtaAttributeDB {
	logger.Debugw(ctx, "init-OtaAttributeDB", log.Fields{"node-id": aNodeID, "kv-store": aKvStore != nil})
	return &OtaAttributeDB{
		nodeID:      aNodeID,
		kvStore:     aKvStore,
		kvStorePath: aNodeID,
	}
}

// RecordAttributes takes over the current attributes of the client
func (oa *OtaAttributeDB) RecordAttributes(ctx context.Context, aAttributes cmn.OtaAttributes) {
	oa.mutexAttributes.Lock()
	oa.attributes = aAttributes
	key := aAttributes
	key.FileOffset = 0
	if oa.stored && key == oa.storedKey {
		oa.mutexAttributes.Unlock()
		return
	}
	oa.stored = true
	oa.storedKey = key
	oa.mutexAttributes.Unlock()

	if oa.kvStore == nil {
		return
	}
	if err := oa.storeInKvStore(ctx, aAttributes); err != nil {
		logger.Warnw(ctx, "unable to write OTA attributes into KVstore", log.Fields{"node-id": oa.nodeID, "err": err})
		oa.mutexKVStore.Lock()
		oa.kvStoreErrors++
		oa.mutexKVStore.Unlock()
	}
}

// GetAttributes returns the last recorded attributes
func (oa *OtaAttributeDB) GetAttributes() cmn.OtaAttributes {
	oa.mutexAttributes.RLock()
	defer oa.mutexAttributes.RUnlock()
	return oa.attributes
}

// GetKvStoreErrors returns the number of failed kv store writes
func (oa *OtaAttributeDB) GetKvStoreErrors() uint32 {
	oa.mutexKVStore.Lock()
	defer oa.mutexKVStore.Unlock()
	return oa.kvStoreErrors
}

func (oa *OtaAttributeDB) storeInKvStore(ctx context.Context, aAttributes cmn.OtaAttributes) error {
	var data otaPersistentData
	if err := copier.Copy(&data, &aAttributes); err != nil {
		return err
	}
	data.NodeID = oa.nodeID
	data.UpgradeStatusName = aAttributes.ImageUpgradeStatus.String()
	data.UpdateTime = time.Now().UTC()
	value, err := json.Marshal(data)
	if err != nil {
		return err
	}
	logger.Debugw(ctx, "update OTA attributes in KVStore", log.Fields{"node-id": oa.nodeID,
		"state": data.FsmState, "status": data.UpgradeStatusName, "percentage": data.DownloadPercentage})
	oa.mutexKVStore.Lock()
	defer oa.mutexKVStore.Unlock()
	return oa.kvStore.Put(ctx, oa.kvStorePath, value)
}

// RestoreFromKvStore reads the attributes a previous run of the client has stored
func (oa *OtaAttributeDB) RestoreFromKvStore(ctx context.Context) (cmn.OtaAttributes, error) {
	var attributes cmn.OtaAttributes
	if oa.kvStore == nil {
		return attributes, ErrNoKvStore
	}
	oa.mutexKVStore.Lock()
	value, err := oa.kvStore.Get(ctx, oa.kvStorePath)
	oa.mutexKVStore.Unlock()
	if err != nil {
		logger.Errorw(ctx, "unable to read from KVstore", log.Fields{"node-id": oa.nodeID, "err": err})
		return attributes, fmt.Errorf("unable-to-read-from-KVstore-%s: %w", oa.nodeID, err)
	}
	if value == nil {
		logger.Debugw(ctx, "no OTA attributes found", log.Fields{"path": oa.kvStorePath, "node-id": oa.nodeID})
		return attributes, ErrNoAttributes
	}
	tmpBytes, err := kvstore.ToByte(value.Value)
	if err != nil {
		return attributes, err
	}
	var data otaPersistentData
	if err := json.Unmarshal(tmpBytes, &data); err != nil {
		logger.Errorw(ctx, "unable to unmarshal OTA attributes", log.Fields{"error": err, "node-id": oa.nodeID})
		return attributes, fmt.Errorf("unable-to-unmarshal-OTA-attributes-%s: %w", oa.nodeID, err)
	}
	if err := copier.Copy(&attributes, &data); err != nil {
		return attributes, err
	}
	logger.Debugw(ctx, "OTA attributes restored", log.Fields{"node-id": oa.nodeID, "state": data.FsmState,
		"update-time": data.UpdateTime})
	return attributes, nil
}

// DeleteFromKvStore removes the stored attributes of the node
func (oa *OtaAttributeDB) DeleteFromKvStore(ctx context.Context) error {
	if oa.kvStore == nil {
		return ErrNoKvStore
	}
	oa.mutexKVStore.Lock()
	defer oa.mutexKVStore.Unlock()
	if err := oa.kvStore.Delete(ctx, oa.kvStorePath); err != nil {
		logger.Errorw(ctx, "unable to delete in KVstore", log.Fields{"node-id": oa.nodeID, "err": err})
		return err
	}
	return nil
}
