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

// stateCapability - named property of a client state, used instead of comparing state positions
type stateCapability uint16

const (
	// a server address is recorded
	capServerKnown stateCapability = 1 << iota
	// the long address of the server is known
	capServerResolved
	// OTA frames of the server are processed
	capServerFrames
	// image notifies may trigger an immediate query
	capImageNotify
	// an image is being downloaded or is downloaded
	capImageInProgress
	// the download of the image is complete
	capImageComplete
)

var stateCapabilities = map[string]stateCapability{
	OtaStIdle:                  0,
	OtaStDelay:                 0,
	OtaStDiscoverServer:        0,
	OtaStGetServerAddress:      capServerKnown,
	OtaStObtainLinkKey:         capServerKnown | capServerResolved,
	OtaStQueryNextImage:        capServerKnown | capServerResolved | capServerFrames | capImageNotify,
	OtaStDownload:              capServerKnown | capServerResolved | capServerFrames | capImageInProgress,
	OtaStVerifyImage:           capServerKnown | capServerResolved | capImageInProgress | capImageComplete,
	OtaStWaitForUpgradeMessage: capServerKnown | capServerResolved | capServerFrames | capImageInProgress | capImageComplete,
	OtaStCountdownToUpgrade:    capServerKnown | capServerResolved | capServerFrames | capImageInProgress | capImageComplete,
	OtaStUpgradeViaOutOfBand:   capServerKnown | capServerResolved | capServerFrames | capImageInProgress | capImageComplete,
}

func stateHas(aState string, aCapability stateCapability) bool {
	return stateCapabilities[aState]&aCapability == aCapability
}
