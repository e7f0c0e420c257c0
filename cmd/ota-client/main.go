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

//Package main -> this is the entry point of the OTA bootload client
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencord/voltha-lib-go/v7/pkg/db"
	"github.com/opencord/voltha-lib-go/v7/pkg/db/kvstore"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"
	"github.com/opencord/voltha-lib-go/v7/pkg/probe"

	"github.com/opencord/ota-bootload-client/config/version"
	"github.com/opencord/ota-bootload-client/internal/pkg/attrdb"
	"github.com/opencord/ota-bootload-client/internal/pkg/bridge"
	"github.com/opencord/ota-bootload-client/internal/pkg/config"
	"github.com/opencord/ota-bootload-client/internal/pkg/core"
)

const (
	cServiceKvStore     = "kv-store"
	cServiceRadioBridge = "radio-bridge"
	cServiceOtaClient   = "ota-client"
)

type otaClient struct {
	instanceID   string
	config       *config.ClientFlags
	kvClient     kvstore.Client
	pBridge      *bridge.RadioBridge
	pNodeHandler *core.NodeHandler
	halted       bool
	exitChannel  chan int
}

func newOtaClient(cf *config.ClientFlags) *otaClient {
	var oc otaClient
	oc.instanceID = cf.InstanceID
	oc.config = cf
	oc.halted = false
	oc.exitChannel = make(chan int, 1)
	return &oc
}

func (oc *otaClient) start(ctx context.Context) error {
	logger.Info(ctx, "Starting OTA client components")
	var err error

	var p *probe.Probe
	if value := ctx.Value(probe.ProbeContextKey); value != nil {
		if _, ok := value.(*probe.Probe); ok {
			p = value.(*probe.Probe)
			p.RegisterService(
				ctx,
				cServiceKvStore,
				cServiceRadioBridge,
				cServiceOtaClient,
			)
		}
	}

	// Setup KV Client
	logger.Debugw(ctx, "create-kv-client", log.Fields{"kvstore": oc.config.KVStoreType})
	if err = oc.setKVClient(ctx); err != nil {
		logger.Fatalw(ctx, "error-setting-kv-client", log.Fields{"error": err})
	}
	if p != nil {
		p.UpdateStatus(ctx, cServiceKvStore, probe.ServiceStatusRunning)
	}

	// Setup the link to the radio co-processor
	if oc.pBridge, err = bridge.NewRadioBridge(ctx, oc.config.BridgeAddress, oc.config.LocalAddress,
		uint16(oc.config.NodeShortAddress)); err != nil {
		logger.Fatalw(ctx, "error-connecting-radio-bridge", log.Fields{"error": err})
	}
	oc.pBridge.Start(ctx)
	probe.UpdateStatusFromContext(ctx, cServiceRadioBridge, probe.ServiceStatusRunning)

	// Create and start the OTA client of the node
	if oc.pNodeHandler, err = core.NewNodeHandler(ctx, oc.config, oc.pBridge, oc.setBackend(ctx),
		oc.exitChannel); err != nil {
		logger.Fatalw(ctx, "error-creating-node-handler", log.Fields{"error": err})
	}
	if err = oc.pNodeHandler.Start(ctx); err != nil {
		logger.Errorw(ctx, "error-starting-node-handler", log.Fields{"error": err})
		return err
	}
	probe.UpdateStatusFromContext(ctx, cServiceOtaClient, probe.ServiceStatusRunning)
	logger.Infow(ctx, "ota-client-started", log.Fields{"node-id": oc.pNodeHandler.NodeID()})

	// check the readiness and liveliness and update the probe status
	oc.checkServicesReadiness(ctx)
	return nil
}

func (oc *otaClient) stop(ctx context.Context) {
	oc.halted = true

	if oc.pNodeHandler != nil {
		if err := oc.pNodeHandler.Stop(ctx); err != nil {
			logger.Infow(ctx, "node-handler-stop-failed", log.Fields{"error": err})
		}
		if staged := oc.pNodeHandler.StagedImageFile(); staged != "" {
			logger.Infow(ctx, "image-staged-for-activation", log.Fields{"file": staged})
		}
	}
	if oc.pBridge != nil {
		oc.pBridge.Stop(ctx)
	}

	// Cleanup - applies only if we had a kvClient
	if oc.kvClient != nil {
		// Release all reservations
		if err := oc.kvClient.ReleaseAllReservations(ctx); err != nil {
			logger.Infow(ctx, "fail-to-release-all-reservations", log.Fields{"error": err})
		}
		// Close the DB connection
		oc.kvClient.Close(ctx)
	}
}

// #############################################
// Client Utility methods ##### begin #########

func newKVClient(ctx context.Context, storeType, address string, timeout time.Duration) (kvstore.Client, error) {
	logger.Infow(ctx, "kv-store-type", log.Fields{"store": storeType})
	switch storeType {
	case "etcd":
		return kvstore.NewEtcdClient(ctx, address, timeout, log.FatalLevel)
	case "redis":
		return kvstore.NewRedisClient(address, timeout, false)
	case "redis-sentinel":
		return kvstore.NewRedisClient(address, timeout, true)
	}
	return nil, errors.New("unsupported-kv-store")
}

func (oc *otaClient) setKVClient(ctx context.Context) error {
	client, err := newKVClient(ctx, oc.config.KVStoreType, oc.config.KVStoreAddress, oc.config.KVStoreTimeout)
	if err != nil {
		oc.kvClient = nil
		logger.Errorw(ctx, "error-starting-KVClient", log.Fields{"error": err})
		return err
	}
	oc.kvClient = client
	return nil
}

// setBackend returns the kv store backend of the OTA attributes of this instance
func (oc *otaClient) setBackend(ctx context.Context) attrdb.KvBackend {
	if oc.kvClient == nil {
		return nil
	}
	basePathKvStore := fmt.Sprintf(attrdb.CBasePathOtaKVStore, oc.instanceID)
	logger.Debugw(ctx, "SetKVStoreBackend", log.Fields{"IpTarget": oc.config.KVStoreAddress,
		"BasePathKvStore": basePathKvStore})
	return &db.Backend{
		Client:     oc.kvClient,
		StoreType:  oc.config.KVStoreType,
		Address:    oc.config.KVStoreAddress,
		Timeout:    oc.config.KVStoreTimeout,
		PathPrefix: basePathKvStore}
}

/**
This function checks the liveliness and readiness of the kv-client and the radio bridge
and update the status in the probe.
*/
func (oc *otaClient) checkServicesReadiness(ctx context.Context) {
	// checks the kv-store readiness
	go oc.checkKvStoreReadiness(ctx)

	// checks the radio bridge readiness
	go oc.checkBridgeReadiness(ctx)
}

/**
This function checks the liveliness and readiness of the kv-store service
and update the status in the probe.
*/
func (oc *otaClient) checkKvStoreReadiness(ctx context.Context) {
	// dividing the live probe interval by 2 to get updated status every 30s
	timeout := oc.config.LiveProbeInterval / 2
	kvStoreChannel := make(chan bool, 1)

	// Default false to check the liveliness.
	kvStoreChannel <- false
	for {
		timeoutTimer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timeoutTimer.Stop()
			return
		case liveliness := <-kvStoreChannel:
			if !liveliness {
				// kv-store not reachable or down, updating the status to not ready state
				probe.UpdateStatusFromContext(ctx, cServiceKvStore, probe.ServiceStatusNotReady)
				timeout = oc.config.NotLiveProbeInterval
			} else {
				// kv-store is reachable , updating the status to running state
				probe.UpdateStatusFromContext(ctx, cServiceKvStore, probe.ServiceStatusRunning)
				timeout = oc.config.LiveProbeInterval / 2
			}
			// Check if the timer has expired or not
			if !timeoutTimer.Stop() {
				<-timeoutTimer.C
			}
		case <-timeoutTimer.C:
			// Check the status of the kv-store
			logger.Info(ctx, "kv-store liveliness-recheck")
			if oc.kvClient.IsConnectionUp(ctx) {
				kvStoreChannel <- true
			} else {
				kvStoreChannel <- false
			}
		}
	}
}

/**
This function checks the liveliness of the radio bridge link
and update the status in the probe.
*/
func (oc *otaClient) checkBridgeReadiness(ctx context.Context) {
	timeout := oc.config.LiveProbeInterval
	for {
		timeoutTimer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timeoutTimer.Stop()
			return
		case <-timeoutTimer.C:
			received, malformed := oc.pBridge.GetRxStatistics()
			logger.Infow(ctx, "radio-bridge liveliness-recheck", log.Fields{"rx-datagrams": received,
				"rx-errors": malformed, "joined": oc.pNodeHandler.IsJoined(),
				"client-state": oc.pNodeHandler.GetClientState()})
			if oc.pBridge.IsAlive() {
				probe.UpdateStatusFromContext(ctx, cServiceRadioBridge, probe.ServiceStatusRunning)
				timeout = oc.config.LiveProbeInterval
			} else {
				// the link is closed, the client can't recover without a restart
				probe.UpdateStatusFromContext(ctx, cServiceRadioBridge, probe.ServiceStatusNotReady)
				timeout = oc.config.NotLiveProbeInterval
			}
		}
	}
}

// Client Utility methods ##### end   #########
// #############################################

func printVersion(appName string) {
	fmt.Println(appName)
	fmt.Println(version.VersionInfo.String("  "))
}

func printBanner() {
	fmt.Println("   ___ _____  _          _ _            _   ")
	fmt.Println("  / _ \\_   _|/_\\    ___ | (_) ___ _ __ | |_ ")
	fmt.Println(" | | | || | //_\\\\  / __|| | |/ _ \\ '_ \\| __|")
	fmt.Println(" | |_| || |/  _  \\| (__ | | |  __/ | | | |_ ")
	fmt.Println("  \\___/ |_|\\_/ \\_/ \\___||_|_|\\___|_| |_|\\__|")
	fmt.Println("                                             ")
}

func waitForExit(ctx context.Context, clientExit <-chan int) int {
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	exitChannel := make(chan int)

	go func() {
		select {
		case <-ctx.Done():
			logger.Infow(ctx, "OTA client run aborted due to internal errors", log.Fields{"context": "done"})
			exitChannel <- 2
		case code := <-clientExit:
			logger.Infow(ctx, "OTA client requested exit", log.Fields{"code": code})
			exitChannel <- code
		case s := <-signalChannel:
			switch s {
			case syscall.SIGHUP,
				syscall.SIGINT,
				syscall.SIGTERM,
				syscall.SIGQUIT:
				logger.Infow(ctx, "closing-signal-received", log.Fields{"signal": s})
				exitChannel <- 0
			default:
				logger.Infow(ctx, "unexpected-signal-received", log.Fields{"signal": s})
				exitChannel <- 1
			}
		}
	}()

	code := <-exitChannel
	return code
}

func main() {
	ctx := context.Background()
	start := time.Now()

	cf := config.NewClientFlags()
	if err := cf.ParseCommandArguments(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defaultAppName := cf.InstanceID + "_" + version.GetCodeVersion(ctx)

	// Setup logging

	logLevel, err := log.StringToLogLevel(cf.LogLevel)
	if err != nil {
		logger.Fatalf(ctx, "Cannot setup logging, %s", err)
	}

	// Setup default logger - applies for packages that do not have specific logger set
	if _, err := log.SetDefaultLogger(log.JSON, logLevel, log.Fields{"instanceId": cf.InstanceID}); err != nil {
		logger.With(log.Fields{"error": err}).Fatal(ctx, "Cannot setup logging")
	}

	// Update all loggers (provisioned via init) with a common field
	if err := log.UpdateAllLoggers(log.Fields{"instanceId": cf.InstanceID}); err != nil {
		logger.With(log.Fields{"error": err}).Fatal(ctx, "Cannot setup logging")
	}

	log.SetAllLogLevel(logLevel)

	// Print version / build information and exit
	if cf.DisplayVersionOnly {
		printVersion(defaultAppName)
		_ = log.CleanUp()
		return
	}
	logger.Infow(ctx, "config", log.Fields{"StartName": defaultAppName})
	logger.Infow(ctx, "config", log.Fields{"BuildVersion": version.VersionInfo.String("  ")})
	logger.Infow(ctx, "config", log.Fields{"Arguments": os.Args[1:]})

	// Print banner if specified
	if cf.Banner {
		printBanner()
	}

	logger.Infow(ctx, "config", log.Fields{"config": *cf})

	ctx, cancel := context.WithCancel(ctx)

	oc := newOtaClient(cf)

	p := &probe.Probe{}
	go p.ListenAndServe(ctx, fmt.Sprintf("%s:%d", oc.config.ProbeHost, oc.config.ProbePort))

	probeCtx := context.WithValue(ctx, probe.ProbeContextKey, p)

	go func() {
		err := oc.start(probeCtx)
		// If this operation returns an error
		// cancel all operations using this context
		if err != nil {
			cancel()
		}
	}()

	code := waitForExit(ctx, oc.exitChannel)
	logger.Infow(ctx, "received-a-closing-signal", log.Fields{"code": code})

	// Cleanup before leaving
	oc.stop(ctx)
	cancel()

	elapsed := time.Since(start)
	logger.Infow(ctx, "run-time", log.Fields{"instanceId": oc.instanceID, "time": elapsed / time.Microsecond})
	_ = log.CleanUp()
	if code != 0 {
		os.Exit(code)
	}
}
