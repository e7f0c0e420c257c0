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

//Package common provides global definitions
package common

import (
	"context"
)

// Itransport interface to the radio link of the node
type Itransport interface {
	// SendUnicast - reliable unicast of an OTA cluster frame
	SendUnicast(ctx context.Context, aDestination NodeAddress, aSourceEndpoint uint8, aPayload []byte) error
}

// IserverDiscovery interface to the service discovery of the network stack
// Results are reported asynchronously via the given report function.
type IserverDiscovery interface {
	FindServers(ctx context.Context, aClusterID uint16, aReport func(DiscoveryResult)) error
	ResolveIeeeAddress(ctx context.Context, aShortAddress uint16, aReport func(DiscoveryResult)) error
	LocalShortAddress() uint16
}

// IkeyEstablishment interface to the pairwise link key exchange
type IkeyEstablishment interface {
	Initiate(ctx context.Context, aServer NodeAddress, aServerIeee uint64, aReport func(KeyEstablishmentResult)) error
}

// IimageStorage interface to the persistent storage of downloaded images
type IimageStorage interface {
	CheckTempData(ctx context.Context) (TempDataInfo, error)
	PrepareTempData(ctx context.Context, aImageID ImageID, aTotalSize uint32) error
	ClearTempData(ctx context.Context) error
	WriteTempData(ctx context.Context, aOffset uint32, aData []byte) error
	FinishDownload(ctx context.Context, aOffset uint32) error
	SearchExistingImage(ctx context.Context, aManufacturerID uint16, aImageTypeID uint16, aHardwareVersion *uint16) (ImageID, bool)
	DeleteImage(ctx context.Context, aImageID ImageID) error
	MaxDownloadSize() uint32
}

// IimageVerifier interface to a chunked image verification
type IimageVerifier interface {
	Verify(ctx context.Context, aMaxWorkUnits uint16, aImageID ImageID, aNewAttempt bool) VerifyStatus
}

// IupgradeRunner interface to the activation of a downloaded image
type IupgradeRunner interface {
	RunUpgrade(ctx context.Context, aImageID ImageID) error
}

// IattributeRecorder interface to the store of the externally readable client attributes
type IattributeRecorder interface {
	RecordAttributes(ctx context.Context, aAttributes OtaAttributes)
}
