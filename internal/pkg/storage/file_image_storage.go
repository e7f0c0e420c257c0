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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

const (
	cTempImageFile  = "ota-download.img"
	cTempRecordFile = "ota-download.cbor"
)

// ErrNoTempData - no (matching) temporary download present
var ErrNoTempData = errors.New("no-temp-data")

// ErrWriteOutOfRange - data does not fit into the announced image size
var ErrWriteOutOfRange = errors.New("write-out-of-range")

// ErrImageTooLarge - image exceeds the configured maximum size
var ErrImageTooLarge = errors.New("image-too-large")

// ErrDownloadIncomplete - the download was finished before all bytes were written
var ErrDownloadIncomplete = errors.New("download-incomplete")

// tempDataRecord is persisted next to the image data so that a download survives a restart
type tempDataRecord struct {
	State     cmn.TempDataState `cbor:"1,keyasint"`
	Offset    uint32            `cbor:"2,keyasint"`
	TotalSize uint32            `cbor:"3,keyasint"`
	ImageID   cmn.ImageID       `cbor:"4,keyasint"`
}

//FileImageStorage keeps one downloaded image in a directory of the local file system
type FileImageStorage struct {
	mutexStorage sync.Mutex
	dir          string
	maxSize      uint32
	pRecord      *tempDataRecord
	encMode      cbor.EncMode
	decMode      cbor.DecMode
}

//NewFileImageStorage constructor returns a new instance of a FileImageStorage working in aDir.
//A download record left by a previous run is loaded.
func NewFileImageStorage(ctx context.Context, aDir string, aMaxSize uint32) (*FileImageStorage, error) {
	logger.Debugw(ctx, "init-FileImageStorage", log.Fields{"dir": aDir, "max-size": aMaxSize})
	if err := os.MkdirAll(aDir, 0750); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", aDir, err)
	}
	encMode, err := cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		return nil, err
	}
	decMode, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		return nil, err
	}
	storage := &FileImageStorage{
		dir:     filepath.Clean(aDir),
		maxSize: aMaxSize,
		encMode: encMode,
		decMode: decMode,
	}
	storage.loadRecord(ctx)
	return storage, nil
}

func (fs *FileImageStorage) imagePath() string {
	return filepath.Join(fs.dir, cTempImageFile)
}

func (fs *FileImageStorage) recordPath() string {
	return filepath.Join(fs.dir, cTempRecordFile)
}

func (fs *FileImageStorage) loadRecord(ctx context.Context) {
	data, err := os.ReadFile(fs.recordPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warnw(ctx, "cannot read download record", log.Fields{"dir": fs.dir, "Err": err})
		}
		return
	}
	var record tempDataRecord
	if err := fs.decMode.Unmarshal(data, &record); err != nil {
		logger.Warnw(ctx, "corrupt download record - discarded", log.Fields{"dir": fs.dir, "Err": err})
		fs.removeFiles(ctx)
		return
	}
	stat, err := os.Stat(fs.imagePath())
	if err != nil {
		logger.Warnw(ctx, "download record without image data - discarded", log.Fields{"dir": fs.dir, "Err": err})
		fs.removeFiles(ctx)
		return
	}
	// data written after the last record update is not trusted
	if stat.Size() < int64(record.Offset) {
		record.Offset = uint32(stat.Size())
		if record.State == cmn.TempDataComplete {
			record.State = cmn.TempDataPartial
		}
	}
	fs.pRecord = &record
	logger.Infow(ctx, "download record restored", log.Fields{"dir": fs.dir, "state": record.State,
		"offset": record.Offset, "total-size": record.TotalSize, "image": record.ImageID.String()})
}

func (fs *FileImageStorage) storeRecord() error {
	data, err := fs.encMode.Marshal(fs.pRecord)
	if err != nil {
		return err
	}
	tmpPath := fs.recordPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmpPath, fs.recordPath())
}

func (fs *FileImageStorage) removeFiles(ctx context.Context) {
	for _, path := range []string{fs.imagePath(), fs.recordPath()} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnw(ctx, "cannot remove storage file", log.Fields{"path": path, "Err": err})
		}
	}
	fs.pRecord = nil
}

// CheckTempData reports the temporary download known to the storage
func (fs *FileImageStorage) CheckTempData(ctx context.Context) (cmn.TempDataInfo, error) {
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	if fs.pRecord == nil {
		return cmn.TempDataInfo{State: cmn.TempDataNone, ImageID: cmn.InvalidImageID}, nil
	}
	return cmn.TempDataInfo{
		State:     fs.pRecord.State,
		Offset:    fs.pRecord.Offset,
		TotalSize: fs.pRecord.TotalSize,
		ImageID:   fs.pRecord.ImageID,
	}, nil
}

// PrepareTempData replaces any temporary data by an empty download of aImageID
func (fs *FileImageStorage) PrepareTempData(ctx context.Context, aImageID cmn.ImageID, aTotalSize uint32) error {
	if aTotalSize > fs.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrImageTooLarge, aTotalSize, fs.maxSize)
	}
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	fs.removeFiles(ctx)
	file, err := os.OpenFile(fs.imagePath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	fs.pRecord = &tempDataRecord{State: cmn.TempDataPartial, TotalSize: aTotalSize, ImageID: aImageID}
	if err := fs.storeRecord(); err != nil {
		fs.removeFiles(ctx)
		return err
	}
	logger.Debugw(ctx, "temp data prepared", log.Fields{"image": aImageID.String(), "total-size": aTotalSize})
	return nil
}

// ClearTempData removes the temporary download
func (fs *FileImageStorage) ClearTempData(ctx context.Context) error {
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	fs.removeFiles(ctx)
	return nil
}

// WriteTempData stores aData at aOffset of the prepared download
func (fs *FileImageStorage) WriteTempData(ctx context.Context, aOffset uint32, aData []byte) error {
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	if fs.pRecord == nil || fs.pRecord.State != cmn.TempDataPartial {
		return ErrNoTempData
	}
	end := uint64(aOffset) + uint64(len(aData))
	if end > uint64(fs.pRecord.TotalSize) {
		return fmt.Errorf("%w: offset %d length %d size %d", ErrWriteOutOfRange, aOffset, len(aData),
			fs.pRecord.TotalSize)
	}
	file, err := os.OpenFile(fs.imagePath(), os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	_, err = file.WriteAt(aData, int64(aOffset))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if uint32(end) > fs.pRecord.Offset {
		fs.pRecord.Offset = uint32(end)
	}
	return fs.storeRecord()
}

// FinishDownload marks the download complete once aOffset reached the image size
func (fs *FileImageStorage) FinishDownload(ctx context.Context, aOffset uint32) error {
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	if fs.pRecord == nil {
		return ErrNoTempData
	}
	if aOffset != fs.pRecord.TotalSize || fs.pRecord.Offset != fs.pRecord.TotalSize {
		return fmt.Errorf("%w: offset %d stored %d size %d", ErrDownloadIncomplete, aOffset, fs.pRecord.Offset,
			fs.pRecord.TotalSize)
	}
	fs.pRecord.State = cmn.TempDataComplete
	logger.Infow(ctx, "image download stored", log.Fields{"image": fs.pRecord.ImageID.String(),
		"size": fs.pRecord.TotalSize})
	return fs.storeRecord()
}

// SearchExistingImage returns a complete image of the given kind, the hardware version is not recorded
func (fs *FileImageStorage) SearchExistingImage(ctx context.Context, aManufacturerID uint16, aImageTypeID uint16,
	aHardwareVersion *uint16) (cmn.ImageID, bool) {
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	if fs.pRecord == nil || fs.pRecord.State != cmn.TempDataComplete {
		return cmn.InvalidImageID, false
	}
	ref := cmn.ImageID{ManufacturerID: aManufacturerID, ImageTypeID: aImageTypeID,
		FirmwareVersion: cmn.FirmwareVersionWildcard}
	if !ref.Matches(fs.pRecord.ImageID) {
		return cmn.InvalidImageID, false
	}
	return fs.pRecord.ImageID, true
}

// DeleteImage removes the stored image aImageID
func (fs *FileImageStorage) DeleteImage(ctx context.Context, aImageID cmn.ImageID) error {
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	if fs.pRecord == nil || fs.pRecord.ImageID != aImageID {
		return ErrNoTempData
	}
	fs.removeFiles(ctx)
	return nil
}

// MaxDownloadSize returns the largest image the storage accepts
func (fs *FileImageStorage) MaxDownloadSize() uint32 {
	return fs.maxSize
}

// ImageFile returns the path of the stored data of aImageID
func (fs *FileImageStorage) ImageFile(aImageID cmn.ImageID) (string, error) {
	fs.mutexStorage.Lock()
	defer fs.mutexStorage.Unlock()
	if fs.pRecord == nil || fs.pRecord.ImageID != aImageID {
		return "", ErrNoTempData
	}
	return fs.imagePath(), nil
}
