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

//Package config provides the Log, kvstore, radio bridge and OTA session configuration
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// OTA client default constants
const (
	etcdStoreName               = "etcd"
	defaultInstanceid           = "ota-client"
	defaultKvstoretype          = etcdStoreName
	defaultKvstoretimeout       = 5 * time.Second
	defaultKvstoreaddress       = "127.0.0.1:2379"
	defaultLoglevel             = "WARN"
	defaultBanner               = false
	defaultDisplayVersionOnly   = false
	defaultProbeHost            = ""
	defaultProbePort            = 8080
	defaultLiveProbeInterval    = 60 * time.Second
	defaultNotLiveProbeInterval = 5 * time.Second // Probe more frequently when not alive

	defaultBridgeAddress    = "127.0.0.1:47800"
	defaultLocalAddress     = ":0"
	defaultNodeShortAddress = 0xFFFE
	defaultNodeEndpoint     = 1
	defaultNodeIeeeAddress  = 0

	defaultManufacturerID  = 0x1002
	defaultImageTypeID     = 0x0000
	defaultFirmwareVersion = 0x00000001
	defaultHardwareVersion = -1

	defaultStorageDir   = "/tmp/ota-client"
	defaultMaxImageSize = 1024 * 1024

	defaultResponseTimeout        = 5 * time.Second
	defaultServerDiscoveryDelay   = 10 * time.Minute
	defaultQueryDelay             = 5 * time.Minute
	defaultDownloadDelay          = 0 * time.Millisecond
	defaultRunUpgradeRequestDelay = 60 * time.Minute
	defaultKeyEstablishmentTimer  = 30 * time.Second
	defaultVerifyDelay            = 10 * time.Millisecond
	defaultMaxTimerDelay          = 24 * time.Hour
	defaultMinUpgradeGrace        = 3 * time.Second
	defaultTimerFallback          = 60 * time.Second
	defaultMaxQueryErrors         = 10
	defaultMaxDownloadErrors      = 10
	defaultMaxUpgradeWaitAttempts = 10
	defaultMaxDataSize            = 64
	defaultPageSize               = 1024
	defaultPageResponseSpacing    = 50 * time.Millisecond
	defaultUsePageRequest         = false
	defaultUseLinkKey             = false
	defaultCoordinatorOnly        = false
	defaultAllowDowngrade         = false
	defaultActivationPolicy       = ActivationPolicyServer
	defaultUpgradeTimeoutPolicy   = UpgradeTimeoutPolicyApply
	defaultVerifyWorkUnits        = 4096
)

// activation and upgrade timeout policies
const (
	ActivationPolicyServer       = "server"
	ActivationPolicyOutOfBand    = "out-of-band"
	UpgradeTimeoutPolicyApply    = "apply"
	UpgradeTimeoutPolicyKeepWait = "keep-waiting"
)

// ClientFlags represents the set of configurations used by the OTA client service
type ClientFlags struct {
	// Command line parameters
	InstanceID           string
	KVStoreType          string
	KVStoreTimeout       time.Duration
	KVStoreAddress       string
	LogLevel             string
	Banner               bool
	DisplayVersionOnly   bool
	ProbeHost            string
	ProbePort            int
	LiveProbeInterval    time.Duration
	NotLiveProbeInterval time.Duration

	BridgeAddress    string
	LocalAddress     string
	NodeShortAddress uint
	NodeEndpoint     uint
	NodeIeeeAddress  uint64

	ManufacturerID  uint
	ImageTypeID     uint
	FirmwareVersion uint
	HardwareVersion int

	StorageDir   string
	MaxImageSize uint

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
	MaxQueryErrors         uint
	MaxDownloadErrors      uint
	MaxUpgradeWaitAttempts uint
	MaxDataSize            uint
	PageSize               uint
	PageResponseSpacing    time.Duration
	UsePageRequest         bool
	UseLinkKey             bool
	CoordinatorOnly        bool
	AllowDowngrade         bool
	ActivationPolicy       string
	UpgradeTimeoutPolicy   string
	VerifyWorkUnits        uint
}

// NewClientFlags returns a new ClientFlags filled with the defaults
func NewClientFlags() *ClientFlags {
	var clientFlags = ClientFlags{ // Default values
		InstanceID:             defaultInstanceid,
		KVStoreType:            defaultKvstoretype,
		KVStoreTimeout:         defaultKvstoretimeout,
		KVStoreAddress:         defaultKvstoreaddress,
		LogLevel:               defaultLoglevel,
		Banner:                 defaultBanner,
		DisplayVersionOnly:     defaultDisplayVersionOnly,
		ProbeHost:              defaultProbeHost,
		ProbePort:              defaultProbePort,
		LiveProbeInterval:      defaultLiveProbeInterval,
		NotLiveProbeInterval:   defaultNotLiveProbeInterval,
		BridgeAddress:          defaultBridgeAddress,
		LocalAddress:           defaultLocalAddress,
		NodeShortAddress:       defaultNodeShortAddress,
		NodeEndpoint:           defaultNodeEndpoint,
		NodeIeeeAddress:        defaultNodeIeeeAddress,
		ManufacturerID:         defaultManufacturerID,
		ImageTypeID:            defaultImageTypeID,
		FirmwareVersion:        defaultFirmwareVersion,
		HardwareVersion:        defaultHardwareVersion,
		StorageDir:             defaultStorageDir,
		MaxImageSize:           defaultMaxImageSize,
		ResponseTimeout:        defaultResponseTimeout,
		ServerDiscoveryDelay:   defaultServerDiscoveryDelay,
		QueryDelay:             defaultQueryDelay,
		DownloadDelay:          defaultDownloadDelay,
		RunUpgradeRequestDelay: defaultRunUpgradeRequestDelay,
		KeyEstablishmentTimer:  defaultKeyEstablishmentTimer,
		VerifyDelay:            defaultVerifyDelay,
		MaxTimerDelay:          defaultMaxTimerDelay,
		MinUpgradeGrace:        defaultMinUpgradeGrace,
		TimerFallback:          defaultTimerFallback,
		MaxQueryErrors:         defaultMaxQueryErrors,
		MaxDownloadErrors:      defaultMaxDownloadErrors,
		MaxUpgradeWaitAttempts: defaultMaxUpgradeWaitAttempts,
		MaxDataSize:            defaultMaxDataSize,
		PageSize:               defaultPageSize,
		PageResponseSpacing:    defaultPageResponseSpacing,
		UsePageRequest:         defaultUsePageRequest,
		UseLinkKey:             defaultUseLinkKey,
		CoordinatorOnly:        defaultCoordinatorOnly,
		AllowDowngrade:         defaultAllowDowngrade,
		ActivationPolicy:       defaultActivationPolicy,
		UpgradeTimeoutPolicy:   defaultUpgradeTimeoutPolicy,
		VerifyWorkUnits:        defaultVerifyWorkUnits,
	}
	return &clientFlags
}

// ParseCommandArguments parses the arguments when running the OTA client service
func (so *ClientFlags) ParseCommandArguments(aArgs []string) error {
	fs := flag.NewFlagSet("ota-client", flag.ContinueOnError)

	help := fmt.Sprintf("KV store type")
	fs.StringVar(&(so.KVStoreType), "kv_store_type", defaultKvstoretype, help)

	help = fmt.Sprintf("The default timeout when making a kv store request")
	fs.DurationVar(&(so.KVStoreTimeout), "kv_store_request_timeout", defaultKvstoretimeout, help)

	help = fmt.Sprintf("KV store address")
	fs.StringVar(&(so.KVStoreAddress), "kv_store_address", defaultKvstoreaddress, help)

	help = fmt.Sprintf("Log level")
	fs.StringVar(&(so.LogLevel), "log_level", defaultLoglevel, help)

	help = fmt.Sprintf("Show startup banner log lines")
	fs.BoolVar(&(so.Banner), "banner", defaultBanner, help)

	help = fmt.Sprintf("Show version information and exit")
	fs.BoolVar(&(so.DisplayVersionOnly), "version", defaultDisplayVersionOnly, help)

	help = fmt.Sprintf("The address on which to listen to answer liveness and readiness probe queries over HTTP.")
	fs.StringVar(&(so.ProbeHost), "probe_host", defaultProbeHost, help)

	help = fmt.Sprintf("The port on which to listen to answer liveness and readiness probe queries over HTTP.")
	fs.IntVar(&(so.ProbePort), "probe_port", defaultProbePort, help)

	help = fmt.Sprintf("Number of seconds for the default liveliness check")
	fs.DurationVar(&(so.LiveProbeInterval), "live_probe_interval", defaultLiveProbeInterval, help)

	help = fmt.Sprintf("Number of seconds for liveliness check if probe is not running")
	fs.DurationVar(&(so.NotLiveProbeInterval), "not_live_probe_interval", defaultNotLiveProbeInterval, help)

	help = fmt.Sprintf("UDP address of the radio bridge")
	fs.StringVar(&(so.BridgeAddress), "bridge_address", defaultBridgeAddress, help)

	help = fmt.Sprintf("Local UDP address used towards the radio bridge")
	fs.StringVar(&(so.LocalAddress), "local_address", defaultLocalAddress, help)

	help = fmt.Sprintf("Network short address of the node (0xFFFE until joined)")
	fs.UintVar(&(so.NodeShortAddress), "node_short_address", defaultNodeShortAddress, help)

	help = fmt.Sprintf("Endpoint of the OTA client cluster")
	fs.UintVar(&(so.NodeEndpoint), "node_endpoint", defaultNodeEndpoint, help)

	help = fmt.Sprintf("IEEE address of the node")
	fs.Uint64Var(&(so.NodeIeeeAddress), "node_ieee_address", defaultNodeIeeeAddress, help)

	help = fmt.Sprintf("Manufacturer id of the running image")
	fs.UintVar(&(so.ManufacturerID), "manufacturer_id", defaultManufacturerID, help)

	help = fmt.Sprintf("Image type id of the running image")
	fs.UintVar(&(so.ImageTypeID), "image_type_id", defaultImageTypeID, help)

	help = fmt.Sprintf("Firmware version of the running image")
	fs.UintVar(&(so.FirmwareVersion), "firmware_version", defaultFirmwareVersion, help)

	help = fmt.Sprintf("Hardware version of the node, negative if not reported")
	fs.IntVar(&(so.HardwareVersion), "hardware_version", defaultHardwareVersion, help)

	help = fmt.Sprintf("Directory of the image storage")
	fs.StringVar(&(so.StorageDir), "storage_dir", defaultStorageDir, help)

	help = fmt.Sprintf("Maximum accepted image size in bytes")
	fs.UintVar(&(so.MaxImageSize), "max_image_size", defaultMaxImageSize, help)

	help = fmt.Sprintf("Timeout for a protocol response")
	fs.DurationVar(&(so.ResponseTimeout), "response_timeout", defaultResponseTimeout, help)

	help = fmt.Sprintf("Delay before the server discovery is repeated")
	fs.DurationVar(&(so.ServerDiscoveryDelay), "server_discovery_delay", defaultServerDiscoveryDelay, help)

	help = fmt.Sprintf("Delay between queries for a next image")
	fs.DurationVar(&(so.QueryDelay), "query_delay", defaultQueryDelay, help)

	help = fmt.Sprintf("Additional pause between two block requests")
	fs.DurationVar(&(so.DownloadDelay), "download_delay", defaultDownloadDelay, help)

	help = fmt.Sprintf("Delay before the server is asked again for the upgrade")
	fs.DurationVar(&(so.RunUpgradeRequestDelay), "run_upgrade_request_delay", defaultRunUpgradeRequestDelay, help)

	help = fmt.Sprintf("Timeout of the link key establishment")
	fs.DurationVar(&(so.KeyEstablishmentTimer), "key_establishment_timeout", defaultKeyEstablishmentTimer, help)

	help = fmt.Sprintf("Delay between two image verification steps")
	fs.DurationVar(&(so.VerifyDelay), "verify_delay", defaultVerifyDelay, help)

	help = fmt.Sprintf("Maximum delay accepted from server supplied times")
	fs.DurationVar(&(so.MaxTimerDelay), "max_timer_delay", defaultMaxTimerDelay, help)

	help = fmt.Sprintf("Minimum delay before an image is activated")
	fs.DurationVar(&(so.MinUpgradeGrace), "min_upgrade_grace", defaultMinUpgradeGrace, help)

	help = fmt.Sprintf("Delay used when server supplied times are inconsistent")
	fs.DurationVar(&(so.TimerFallback), "timer_fallback", defaultTimerFallback, help)

	help = fmt.Sprintf("Query errors tolerated before the server is discovered again")
	fs.UintVar(&(so.MaxQueryErrors), "max_query_errors", defaultMaxQueryErrors, help)

	help = fmt.Sprintf("Download errors tolerated before the download is aborted")
	fs.UintVar(&(so.MaxDownloadErrors), "max_download_errors", defaultMaxDownloadErrors, help)

	help = fmt.Sprintf("Upgrade requests before the upgrade timeout policy applies")
	fs.UintVar(&(so.MaxUpgradeWaitAttempts), "max_upgrade_wait_attempts", defaultMaxUpgradeWaitAttempts, help)

	help = fmt.Sprintf("Maximum data size per block")
	fs.UintVar(&(so.MaxDataSize), "max_data_size", defaultMaxDataSize, help)

	help = fmt.Sprintf("Page size of image page requests")
	fs.UintVar(&(so.PageSize), "page_size", defaultPageSize, help)

	help = fmt.Sprintf("Response spacing requested in image page requests")
	fs.DurationVar(&(so.PageResponseSpacing), "page_response_spacing", defaultPageResponseSpacing, help)

	help = fmt.Sprintf("Use image page requests")
	fs.BoolVar(&(so.UsePageRequest), "use_page_request", defaultUsePageRequest, help)

	help = fmt.Sprintf("Establish a link key with the server before querying")
	fs.BoolVar(&(so.UseLinkKey), "use_link_key", defaultUseLinkKey, help)

	help = fmt.Sprintf("Accept only the network coordinator as upgrade server")
	fs.BoolVar(&(so.CoordinatorOnly), "coordinator_only", defaultCoordinatorOnly, help)

	help = fmt.Sprintf("Accept images older than the running one")
	fs.BoolVar(&(so.AllowDowngrade), "allow_downgrade", defaultAllowDowngrade, help)

	help = fmt.Sprintf("Who activates downloaded images (server, out-of-band)")
	fs.StringVar(&(so.ActivationPolicy), "activation_policy", defaultActivationPolicy, help)

	help = fmt.Sprintf("Behaviour when the server never authorizes the upgrade (apply, keep-waiting)")
	fs.StringVar(&(so.UpgradeTimeoutPolicy), "upgrade_timeout_policy", defaultUpgradeTimeoutPolicy, help)

	help = fmt.Sprintf("Work units per image verification step")
	fs.UintVar(&(so.VerifyWorkUnits), "verify_work_units", defaultVerifyWorkUnits, help)

	if err := fs.Parse(aArgs); err != nil {
		return err
	}
	containerName := getContainerInfo()
	if len(containerName) > 0 {
		so.InstanceID = containerName
	}
	return so.Validate()
}

// Validate checks value ranges which the flag package can't express
func (so *ClientFlags) Validate() error {
	if so.NodeShortAddress > 0xFFFF {
		return fmt.Errorf("node_short_address out of range: %d", so.NodeShortAddress)
	}
	if so.NodeEndpoint == 0 || so.NodeEndpoint > 240 {
		return fmt.Errorf("node_endpoint out of range: %d", so.NodeEndpoint)
	}
	if so.ManufacturerID > 0xFFFF || so.ImageTypeID > 0xFFFF || so.FirmwareVersion > 0xFFFFFFFF {
		return fmt.Errorf("image id out of range: mfg=%d type=%d version=%d",
			so.ManufacturerID, so.ImageTypeID, so.FirmwareVersion)
	}
	if so.HardwareVersion > 0xFFFF {
		return fmt.Errorf("hardware_version out of range: %d", so.HardwareVersion)
	}
	if so.MaxImageSize > 0xFFFFFFFF {
		return fmt.Errorf("max_image_size out of range: %d", so.MaxImageSize)
	}
	if so.MaxDataSize == 0 || so.MaxDataSize > 0xFF {
		return fmt.Errorf("max_data_size out of range: %d", so.MaxDataSize)
	}
	if so.PageSize < so.MaxDataSize || so.PageSize > 0xFFFF {
		return fmt.Errorf("page_size out of range: %d", so.PageSize)
	}
	if so.PageResponseSpacing > 0xFFFF*time.Millisecond {
		return fmt.Errorf("page_response_spacing out of range: %v", so.PageResponseSpacing)
	}
	// the error counters are 8 bit and must be able to exceed their threshold
	if so.MaxQueryErrors >= 0xFF || so.MaxDownloadErrors >= 0xFF || so.MaxUpgradeWaitAttempts > 0xFF {
		return fmt.Errorf("error thresholds out of range: query=%d download=%d upgrade-wait=%d",
			so.MaxQueryErrors, so.MaxDownloadErrors, so.MaxUpgradeWaitAttempts)
	}
	if so.VerifyWorkUnits == 0 || so.VerifyWorkUnits > 0xFFFF {
		return fmt.Errorf("verify_work_units out of range: %d", so.VerifyWorkUnits)
	}
	switch strings.ToLower(so.ActivationPolicy) {
	case ActivationPolicyServer, ActivationPolicyOutOfBand:
	default:
		return fmt.Errorf("unknown activation_policy: %s", so.ActivationPolicy)
	}
	switch strings.ToLower(so.UpgradeTimeoutPolicy) {
	case UpgradeTimeoutPolicyApply, UpgradeTimeoutPolicyKeepWait:
	default:
		return fmt.Errorf("unknown upgrade_timeout_policy: %s", so.UpgradeTimeoutPolicy)
	}
	return nil
}

func getContainerInfo() string {
	return os.Getenv("HOSTNAME")
}
