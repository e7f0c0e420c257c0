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

package swupg

import (
	"fmt"
	"sync"

	"github.com/golang/protobuf/proto"
	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/opencord/voltha-protos/v5/go/voltha"
)

//OtaImageStatus keeps the upgrade status of the image currently handled by the client
type OtaImageStatus struct {
	mutexImageState sync.RWMutex
	pImageState     *voltha.ImageState
}

//NewOtaImageStatus creates a new instance of OtaImageStatus
func NewOtaImageStatus() *OtaImageStatus {
	return &OtaImageStatus{
		pImageState: &voltha.ImageState{
			DownloadState: voltha.ImageState_DOWNLOAD_UNKNOWN,
			Reason:        voltha.ImageState_NO_ERROR,
			ImageState:    voltha.ImageState_IMAGE_UNKNOWN,
		},
	}
}

// FirmwareVersionString - textual representation of a firmware version
func FirmwareVersionString(aVersion uint32) string {
	return fmt.Sprintf("0x%08X", aVersion)
}

// GetImageState returns a copy of the current image state
func (oo *OtaImageStatus) GetImageState() *voltha.ImageState {
	oo.mutexImageState.RLock()
	defer oo.mutexImageState.RUnlock()
	return proto.Clone(oo.pImageState).(*voltha.ImageState)
}

func (oo *OtaImageStatus) set(aDownloadState voltha.ImageState_ImageDownloadState,
	aReason voltha.ImageState_ImageFailureReason, aImageState voltha.ImageState_ImageActivationState) {
	oo.mutexImageState.Lock()
	defer oo.mutexImageState.Unlock()
	oo.pImageState.DownloadState = aDownloadState
	oo.pImageState.Reason = aReason
	oo.pImageState.ImageState = aImageState
}

func (oo *OtaImageStatus) reset() {
	oo.mutexImageState.Lock()
	defer oo.mutexImageState.Unlock()
	oo.pImageState.Version = ""
	oo.pImageState.DownloadState = voltha.ImageState_DOWNLOAD_UNKNOWN
	oo.pImageState.Reason = voltha.ImageState_NO_ERROR
	oo.pImageState.ImageState = voltha.ImageState_IMAGE_UNKNOWN
}

func (oo *OtaImageStatus) downloadStarted(aImageID cmn.ImageID) {
	oo.mutexImageState.Lock()
	oo.pImageState.Version = FirmwareVersionString(aImageID.FirmwareVersion)
	oo.mutexImageState.Unlock()
	oo.set(voltha.ImageState_DOWNLOAD_STARTED, voltha.ImageState_NO_ERROR, voltha.ImageState_IMAGE_DOWNLOADING)
}

func (oo *OtaImageStatus) downloadSucceeded() {
	oo.set(voltha.ImageState_DOWNLOAD_SUCCEEDED, voltha.ImageState_NO_ERROR, voltha.ImageState_IMAGE_INACTIVE)
}

func (oo *OtaImageStatus) downloadFailed(aReason voltha.ImageState_ImageFailureReason) {
	oo.set(voltha.ImageState_DOWNLOAD_FAILED, aReason, voltha.ImageState_IMAGE_UNKNOWN)
}

func (oo *OtaImageStatus) downloadCancelled() {
	oo.set(voltha.ImageState_DOWNLOAD_CANCELLED, voltha.ImageState_CANCELLED_ON_REQUEST, voltha.ImageState_IMAGE_UNKNOWN)
}

func (oo *OtaImageStatus) imageRefused() {
	oo.set(voltha.ImageState_DOWNLOAD_FAILED, voltha.ImageState_IMAGE_REFUSED_BY_ONU, voltha.ImageState_IMAGE_UNKNOWN)
}

func (oo *OtaImageStatus) activating() {
	oo.set(voltha.ImageState_DOWNLOAD_SUCCEEDED, voltha.ImageState_NO_ERROR, voltha.ImageState_IMAGE_ACTIVATING)
}

func (oo *OtaImageStatus) activated() {
	oo.set(voltha.ImageState_DOWNLOAD_SUCCEEDED, voltha.ImageState_NO_ERROR, voltha.ImageState_IMAGE_ACTIVE)
}

func (oo *OtaImageStatus) activationAborted() {
	oo.set(voltha.ImageState_DOWNLOAD_SUCCEEDED, voltha.ImageState_UNKNOWN_ERROR, voltha.ImageState_IMAGE_ACTIVATION_ABORTED)
}
