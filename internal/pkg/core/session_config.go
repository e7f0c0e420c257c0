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
	"strings"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/opencord/ota-bootload-client/internal/pkg/config"
	"github.com/opencord/ota-bootload-client/internal/pkg/swupg"
)

// newSessionConfig resolves the session capabilities of the client from the (validated) command line flags
func newSessionConfig(cf *config.ClientFlags) swupg.Config {
	sessionConfig := swupg.DefaultConfig()
	sessionConfig.OwnImageID = cmn.ImageID{
		ManufacturerID:  uint16(cf.ManufacturerID),
		ImageTypeID:     uint16(cf.ImageTypeID),
		FirmwareVersion: uint32(cf.FirmwareVersion),
	}
	if cf.HardwareVersion >= 0 {
		hwVersion := uint16(cf.HardwareVersion)
		sessionConfig.HardwareVersion = &hwVersion
	}
	sessionConfig.MyEndpoint = uint8(cf.NodeEndpoint)
	sessionConfig.IeeeAddress = cf.NodeIeeeAddress

	sessionConfig.ResponseTimeout = cf.ResponseTimeout
	sessionConfig.ServerDiscoveryDelay = cf.ServerDiscoveryDelay
	sessionConfig.QueryDelay = cf.QueryDelay
	sessionConfig.DownloadDelay = cf.DownloadDelay
	sessionConfig.RunUpgradeRequestDelay = cf.RunUpgradeRequestDelay
	sessionConfig.KeyEstablishmentTimer = cf.KeyEstablishmentTimer
	sessionConfig.VerifyDelay = cf.VerifyDelay
	sessionConfig.MaxTimerDelay = cf.MaxTimerDelay
	sessionConfig.MinUpgradeGrace = cf.MinUpgradeGrace
	sessionConfig.TimerFallback = cf.TimerFallback

	sessionConfig.MaxQueryErrors = uint8(cf.MaxQueryErrors)
	sessionConfig.MaxDownloadErrors = uint8(cf.MaxDownloadErrors)
	sessionConfig.MaxUpgradeWaitAttempts = uint8(cf.MaxUpgradeWaitAttempts)

	sessionConfig.MaxDataSize = uint8(cf.MaxDataSize)
	sessionConfig.PageSize = uint16(cf.PageSize)
	sessionConfig.PageResponseSpacing = cf.PageResponseSpacing
	sessionConfig.UsePageRequest = cf.UsePageRequest

	sessionConfig.UseLinkKey = cf.UseLinkKey
	sessionConfig.CoordinatorOnly = cf.CoordinatorOnly
	sessionConfig.AllowDowngrade = cf.AllowDowngrade
	if strings.ToLower(cf.ActivationPolicy) == config.ActivationPolicyOutOfBand {
		sessionConfig.ActivationPolicy = swupg.ActivateOutOfBand
	}
	if strings.ToLower(cf.UpgradeTimeoutPolicy) == config.UpgradeTimeoutPolicyKeepWait {
		sessionConfig.UpgradeTimeoutPolicy = swupg.TimeoutKeepWaiting
	}
	sessionConfig.VerifyWorkUnits = uint16(cf.VerifyWorkUnits)
	return sessionConfig
}
