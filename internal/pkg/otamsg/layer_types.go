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

package otamsg

import (
	"github.com/google/gopacket"
)

// layer type numbers of the OTA cluster frames
const (
	zclFrameLayerTypeNum = 7100 + iota
	imageNotifyLayerTypeNum
	queryNextImageRequestLayerTypeNum
	queryNextImageResponseLayerTypeNum
	imageBlockRequestLayerTypeNum
	imagePageRequestLayerTypeNum
	imageBlockResponseLayerTypeNum
	upgradeEndRequestLayerTypeNum
	upgradeEndResponseLayerTypeNum
	defaultResponseLayerTypeNum
)

// gopacket layer types of the OTA cluster frames
var (
	LayerTypeZclFrame = gopacket.RegisterLayerType(zclFrameLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "ZclFrame", Decoder: gopacket.DecodeFunc(decodeZclFrame)})
	LayerTypeImageNotify = gopacket.RegisterLayerType(imageNotifyLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "ImageNotify", Decoder: gopacket.DecodeFunc(decodeImageNotify)})
	LayerTypeQueryNextImageRequest = gopacket.RegisterLayerType(queryNextImageRequestLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "QueryNextImageRequest", Decoder: gopacket.DecodeFunc(decodeQueryNextImageRequest)})
	LayerTypeQueryNextImageResponse = gopacket.RegisterLayerType(queryNextImageResponseLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "QueryNextImageResponse", Decoder: gopacket.DecodeFunc(decodeQueryNextImageResponse)})
	LayerTypeImageBlockRequest = gopacket.RegisterLayerType(imageBlockRequestLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "ImageBlockRequest", Decoder: gopacket.DecodeFunc(decodeImageBlockRequest)})
	LayerTypeImagePageRequest = gopacket.RegisterLayerType(imagePageRequestLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "ImagePageRequest", Decoder: gopacket.DecodeFunc(decodeImagePageRequest)})
	LayerTypeImageBlockResponse = gopacket.RegisterLayerType(imageBlockResponseLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "ImageBlockResponse", Decoder: gopacket.DecodeFunc(decodeImageBlockResponse)})
	LayerTypeUpgradeEndRequest = gopacket.RegisterLayerType(upgradeEndRequestLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "UpgradeEndRequest", Decoder: gopacket.DecodeFunc(decodeUpgradeEndRequest)})
	LayerTypeUpgradeEndResponse = gopacket.RegisterLayerType(upgradeEndResponseLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "UpgradeEndResponse", Decoder: gopacket.DecodeFunc(decodeUpgradeEndResponse)})
	LayerTypeDefaultResponse = gopacket.RegisterLayerType(defaultResponseLayerTypeNum,
		gopacket.LayerTypeMetadata{Name: "DefaultResponse", Decoder: gopacket.DecodeFunc(decodeDefaultResponse)})
)

type commandLayer interface {
	gopacket.Layer
	DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error
}

// decodeCommand - all OTA commands are the last layer of a frame
func decodeCommand(aLayer commandLayer, data []byte, p gopacket.PacketBuilder) error {
	if err := aLayer.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(aLayer)
	return nil
}

func decodeImageNotify(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&ImageNotify{}, data, p)
}

func decodeQueryNextImageRequest(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&QueryNextImageRequest{}, data, p)
}

func decodeQueryNextImageResponse(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&QueryNextImageResponse{}, data, p)
}

func decodeImageBlockRequest(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&ImageBlockRequest{}, data, p)
}

func decodeImagePageRequest(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&ImagePageRequest{}, data, p)
}

func decodeImageBlockResponse(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&ImageBlockResponse{}, data, p)
}

func decodeUpgradeEndRequest(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&UpgradeEndRequest{}, data, p)
}

func decodeUpgradeEndResponse(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&UpgradeEndResponse{}, data, p)
}

func decodeDefaultResponse(data []byte, p gopacket.PacketBuilder) error {
	return decodeCommand(&DefaultResponse{}, data, p)
}
