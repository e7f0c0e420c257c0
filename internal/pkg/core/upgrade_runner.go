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

package core

import (
	"context"
	"errors"
	"sync"

	"github.com/opencord/voltha-lib-go/v7/pkg/log"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/opencord/ota-bootload-client/internal/pkg/storage"
)

// CExitCodeRunUpgrade - exit code of the client process when a staged image is to be booted
const CExitCodeRunUpgrade = 3

// ErrUpgradePending - an activation was already requested
var ErrUpgradePending = errors.New("upgrade-pending")

//upgradeRunner hands a verified image over to the supervisor of the process
type upgradeRunner struct {
	nodeID       string
	locator      storage.ImageLocator
	chExit       chan<- int
	mutexStaging sync.Mutex
	stagedFile   string
}

func newUpgradeRunner(aNodeID string, aLocator storage.ImageLocator, aExitChannel chan<- int) *upgradeRunner {
	return &upgradeRunner{
		nodeID:  aNodeID,
		locator: aLocator,
		chExit:  aExitChannel,
	}
}

// RunUpgrade requests the process exit with CExitCodeRunUpgrade, the file of aImageID stays in the storage dir
func (ur *upgradeRunner) RunUpgrade(ctx context.Context, aImageID cmn.ImageID) error {
	imageFile, err := ur.locator.ImageFile(aImageID)
	if err != nil {
		logger.Errorw(ctx, "image to be activated not found", log.Fields{"node-id": ur.nodeID,
			"image-id": aImageID.String(), "err": err})
		return err
	}
	ur.mutexStaging.Lock()
	defer ur.mutexStaging.Unlock()
	if ur.stagedFile != "" {
		logger.Warnw(ctx, "activation already requested", log.Fields{"node-id": ur.nodeID,
			"staged-file": ur.stagedFile})
		return ErrUpgradePending
	}
	select {
	case ur.chExit <- CExitCodeRunUpgrade:
	default:
		logger.Warnw(ctx, "exit already requested - activation dropped", log.Fields{"node-id": ur.nodeID})
		return ErrUpgradePending
	}
	ur.stagedFile = imageFile
	logger.Infow(ctx, "image staged for activation - restart requested", log.Fields{"node-id": ur.nodeID,
		"image-id": aImageID.String(), "staged-file": imageFile, "exit-code": CExitCodeRunUpgrade})
	return nil
}

// stagedImageFile returns the file of the image handed over for activation, empty if none
func (ur *upgradeRunner) stagedImageFile() string {
	ur.mutexStaging.Lock()
	defer ur.mutexStaging.Unlock()
	return ur.stagedFile
}
