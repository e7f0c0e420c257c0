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

//Package swupg provides the OTA bootload client of a mesh node
package swupg

import (
	"time"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

// ActivationPolicy - who is authorized to trigger the activation of a downloaded image
type ActivationPolicy uint8

const (
	// ActivateByServer - the upgrade server sets the activation time
	ActivateByServer ActivationPolicy = iota
	// ActivateOutOfBand - an external trigger activates the image
	ActivateOutOfBand
)

// UpgradeTimeoutPolicy - behaviour when the server never answers the upgrade end request
type UpgradeTimeoutPolicy uint8

const (
	// TimeoutApplyUpgrade - activate the image anyway
	TimeoutApplyUpgrade UpgradeTimeoutPolicy = iota
	// TimeoutKeepWaiting - keep asking the server
	TimeoutKeepWaiting
)

// Config - capabilities and timers of an OTA client session, resolved once at construction
type Config struct {
	OwnImageID      cmn.ImageID
	HardwareVersion *uint16
	MyEndpoint      uint8
	IeeeAddress     uint64

	ResponseTimeout        time.Duration
	ServerDiscoveryDelay   time.Duration
	QueryDelay             time.Duration
	DownloadDelay          time.Duration
	RunUpgradeRequestDelay time.Duration
	KeyEstablishmentTimer  time.Duration
	VerifyDelay            time.Duration
	MaxTimerDelay          time.Duration
	MinUpgradeGrace        time.Duration
	TimerFallback          time.Duration

	// MaxQueryErrors and MaxDownloadErrors are tolerated, the next error aborts the phase
	MaxQueryErrors    uint8
	MaxDownloadErrors uint8
	// MaxUpgradeWaitAttempts - upgrade end requests left unanswered before the timeout policy applies
	MaxUpgradeWaitAttempts uint8

	MaxDataSize         uint8
	PageSize            uint16
	PageResponseSpacing time.Duration
	UsePageRequest      bool

	UseLinkKey           bool
	CoordinatorOnly      bool
	AllowDowngrade       bool
	ActivationPolicy     ActivationPolicy
	UpgradeTimeoutPolicy UpgradeTimeoutPolicy
	VerifyWorkUnits      uint16
}

// DefaultConfig returns the session configuration with all timers and thresholds at their defaults
func DefaultConfig() Config {
	return Config{
		OwnImageID:             cmn.InvalidImageID,
		MyEndpoint:             1,
		ResponseTimeout:        5 * time.Second,
		ServerDiscoveryDelay:   10 * time.Minute,
		QueryDelay:             5 * time.Minute,
		DownloadDelay:          0,
		RunUpgradeRequestDelay: 60 * time.Minute,
		KeyEstablishmentTimer:  30 * time.Second,
		VerifyDelay:            10 * time.Millisecond,
		MaxTimerDelay:          24 * time.Hour,
		MinUpgradeGrace:        3 * time.Second,
		TimerFallback:          60 * time.Second,
		MaxQueryErrors:         10,
		MaxDownloadErrors:      10,
		MaxUpgradeWaitAttempts: 10,
		MaxDataSize:            64,
		PageSize:               1024,
		PageResponseSpacing:    50 * time.Millisecond,
		ActivationPolicy:       ActivateByServer,
		UpgradeTimeoutPolicy:   TimeoutApplyUpgrade,
		VerifyWorkUnits:        4096,
	}
}
