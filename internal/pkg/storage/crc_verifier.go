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

package storage

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/boguslaw-wojcik/crc32a"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

const (
	cCrcTrailerLength = 4
	cBytesPerWorkUnit = 16
)

// ImageLocator resolves the file of a stored image
type ImageLocator interface {
	ImageFile(aImageID cmn.ImageID) (string, error)
}

//CrcVerifier checks the CRC-32/BZIP2 trailer of a stored image, reading the image in slices
//of aMaxWorkUnits*16 bytes per Verify call.
type CrcVerifier struct {
	mutexVerify sync.Mutex
	locator     ImageLocator
	active      bool
	imageID     cmn.ImageID
	imageSize   int64
	content     []byte
}

//NewCrcVerifier constructor returns a new instance of a CrcVerifier
func NewCrcVerifier(aLocator ImageLocator) *CrcVerifier {
	return &CrcVerifier{locator: aLocator}
}

// Verify performs one verification slice of aImageID
func (cv *CrcVerifier) Verify(ctx context.Context, aMaxWorkUnits uint16, aImageID cmn.ImageID,
	aNewAttempt bool) cmn.VerifyStatus {
	cv.mutexVerify.Lock()
	defer cv.mutexVerify.Unlock()
	if aNewAttempt || !cv.active || cv.imageID != aImageID {
		cv.reset()
	}
	path, err := cv.locator.ImageFile(aImageID)
	if err != nil {
		logger.Warnw(ctx, "image to verify not found", log.Fields{"image": aImageID.String(), "Err": err})
		cv.reset()
		return cmn.VerifyBad
	}
	file, err := os.Open(path)
	if err != nil {
		logger.Warnw(ctx, "cannot open image to verify", log.Fields{"path": path, "Err": err})
		cv.reset()
		return cmn.VerifyBad
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Errorw(ctx, "failed to close file", log.Fields{"error": err})
		}
	}()
	if !cv.active {
		stat, err := file.Stat()
		if err != nil || stat.Size() < cCrcTrailerLength {
			logger.Warnw(ctx, "image too short for a crc trailer", log.Fields{"path": path, "Err": err})
			return cmn.VerifyBad
		}
		cv.active = true
		cv.imageID = aImageID
		cv.imageSize = stat.Size()
		cv.content = make([]byte, 0, stat.Size())
	}

	chunk := int64(aMaxWorkUnits) * cBytesPerWorkUnit
	if chunk == 0 {
		chunk = cBytesPerWorkUnit
	}
	offset := int64(len(cv.content))
	if remaining := cv.imageSize - offset; chunk > remaining {
		chunk = remaining
	}
	buffer := cv.content[offset : offset+chunk]
	if _, err := file.ReadAt(buffer, offset); err != nil && err != io.EOF {
		logger.Warnw(ctx, "cannot read image to verify", log.Fields{"path": path, "offset": offset, "Err": err})
		cv.reset()
		return cmn.VerifyBad
	}
	cv.content = cv.content[:offset+chunk]
	if int64(len(cv.content)) < cv.imageSize {
		return cmn.VerifyInProgress
	}

	body := cv.content[:cv.imageSize-cCrcTrailerLength]
	expected := binary.BigEndian.Uint32(cv.content[cv.imageSize-cCrcTrailerLength:])
	computed := uint32(crc32a.Checksum(body))
	cv.reset()
	if computed != expected {
		logger.Warnw(ctx, "image crc mismatch", log.Fields{"image": aImageID.String(),
			"expected": expected, "computed": computed})
		return cmn.VerifyBad
	}
	logger.Debugw(ctx, "image crc verified", log.Fields{"image": aImageID.String()})
	return cmn.VerifyGood
}

func (cv *CrcVerifier) reset() {
	cv.active = false
	cv.imageID = cmn.InvalidImageID
	cv.imageSize = 0
	cv.content = nil
}
