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
	"time"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

// ClientSession holds all per-session state of the OTA client. It is only modified from
// within the event loop of its OtaClientFsm.
type ClientSession struct {
	ServerAddress           cmn.NodeAddress
	ServerIeee              uint64
	MyEndpoint              uint8
	TotalImageSize          uint32
	CurrentOffset           uint32
	CurrentDownloadFile     cmn.ImageID
	ErrorCount              uint8
	UpgradeWaitAttempts     uint8
	WaitingForResponse      bool
	MinBlockRequestPeriodMs uint16
	UsePageRequest          bool
	HardwareVersion         *uint16
	UpgradeDeadline         time.Time
	UpgradeStatus           cmn.ImageUpgradeStatus
	serverFound             bool
}

func newClientSession(aConfig *Config) *ClientSession {
	session := &ClientSession{
		MyEndpoint:      aConfig.MyEndpoint,
		UsePageRequest:  aConfig.UsePageRequest,
		HardwareVersion: aConfig.HardwareVersion,
	}
	session.resetServer()
	session.resetDownload()
	return session
}

func (s *ClientSession) resetServer() {
	s.ServerAddress = cmn.NodeAddress{ShortAddress: cmn.InvalidShortAddress}
	s.ServerIeee = 0
	s.serverFound = false
}

func (s *ClientSession) resetDownload() {
	s.TotalImageSize = 0
	s.CurrentOffset = 0
	s.CurrentDownloadFile = cmn.InvalidImageID
	s.UpgradeDeadline = time.Time{}
	s.UpgradeWaitAttempts = 0
}

// DownloadPercentage - progress of the current download
func (s *ClientSession) DownloadPercentage() uint8 {
	if s.TotalImageSize == 0 {
		return 0
	}
	return uint8(uint64(s.CurrentOffset) * 100 / uint64(s.TotalImageSize))
}

// DownloadComplete - all bytes of the image are stored
func (s *ClientSession) DownloadComplete() bool {
	return s.TotalImageSize > 0 && s.CurrentOffset >= s.TotalImageSize
}

// RemainingBytes - bytes still missing of the current image
func (s *ClientSession) RemainingBytes() uint32 {
	if s.CurrentOffset >= s.TotalImageSize {
		return 0
	}
	return s.TotalImageSize - s.CurrentOffset
}

func (s *ClientSession) minBlockPeriod() time.Duration {
	return time.Duration(s.MinBlockRequestPeriodMs) * time.Millisecond
}
