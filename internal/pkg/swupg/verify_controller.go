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
	"context"

	"github.com/opencord/voltha-lib-go/v7/pkg/log"
	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

type verifyStage struct {
	name     string
	verifier cmn.IimageVerifier
	started  bool
}

// verifyController drives the chunked verification of a downloaded image: the signature
// verification first, then the optional custom verification. Each step performs at most one
// verifier call so that the session stays responsive between slices.
type verifyController struct {
	nodeID    string
	workUnits uint16
	stages    []*verifyStage
	current   int
}

func newVerifyController(aNodeID string, aWorkUnits uint16, aVerifier cmn.IimageVerifier,
	aCustomVerifier cmn.IimageVerifier) *verifyController {
	return &verifyController{
		nodeID:    aNodeID,
		workUnits: aWorkUnits,
		stages: []*verifyStage{
			{name: "signature", verifier: aVerifier},
			{name: "custom", verifier: aCustomVerifier},
		},
	}
}

// begin starts a new verification attempt
func (vc *verifyController) begin() {
	vc.current = 0
	for _, stage := range vc.stages {
		stage.started = false
	}
}

func (vc *verifyController) skipUnsupported() {
	for vc.current < len(vc.stages) && vc.stages[vc.current].verifier == nil {
		vc.current++
	}
}

// step runs one verification slice. Unsupported stages count as good.
func (vc *verifyController) step(ctx context.Context, aImageID cmn.ImageID) cmn.VerifyStatus {
	vc.skipUnsupported()
	if vc.current >= len(vc.stages) {
		return cmn.VerifyGood
	}
	stage := vc.stages[vc.current]
	status := stage.verifier.Verify(ctx, vc.workUnits, aImageID, !stage.started)
	stage.started = true
	switch status {
	case cmn.VerifyInProgress:
		return cmn.VerifyInProgress
	case cmn.VerifyGood, cmn.VerifyUnsupported:
		logger.Debugw(ctx, "image verification stage done", log.Fields{"node-id": vc.nodeID,
			"stage": stage.name, "status": status})
		vc.current++
		vc.skipUnsupported()
		if vc.current < len(vc.stages) {
			return cmn.VerifyInProgress
		}
		return cmn.VerifyGood
	default:
		logger.Warnw(ctx, "image verification failed", log.Fields{"node-id": vc.nodeID,
			"stage": stage.name, "status": status, "image": aImageID.String()})
		return cmn.VerifyBad
	}
}
