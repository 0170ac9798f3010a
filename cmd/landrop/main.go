package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"landrop"
	"landrop/config"
	"landrop/models"
)

var (
	errConnect  = errors.New("could not connect to device")
	errSend     = errors.New("could not queue files")
	errTransfer = errors.New("transfer failed")
)

func main() {
	var (
		name     = flag.String("name", "", "device name announced on the network (default: hostname)")
		port     = flag.Int("port", -1, "TCP listen port (default: from config file)")
		saveDir  = flag.String("save-dir", "", "directory for received files (default: from config file)")
		history  = flag.String("history", "", "SQLite DSN for transfer history (default: in-memory)")
		mdns     = flag.Bool("mdns", false, "announce and browse via mDNS in addition to UDP broadcast")
		sendList = flag.String("send", "", "comma-separated files to send (requires -to)")
		to       = flag.String("to", "", "device id to send files to")
		wait     = flag.Duration("wait", 30*time.Second, "how long to wait for the target device to appear")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.StandardLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	deviceCfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.WithError(err).Fatal("load device config")
	}
	log.WithField("path", cfgPath).Debug("device config loaded")

	if *name == "" {
		*name = deviceCfg.DeviceName
	}
	if *port < 0 {
		*port = deviceCfg.ListeningPort
	}
	if *saveDir == "" {
		*saveDir = deviceCfg.SaveDirectory
	}

	manager, err := landrop.New(*name, config.Options{
		SaveDir:    *saveDir,
		HistoryDSN: *history,
		EnableMDNS: *mdns,
	})
	if err != nil {
		log.WithError(err).Fatal("configure manager")
	}
	manager.SetDeviceID(deviceCfg.DeviceID)

	manager.OnDeviceDiscovered(func(device models.DeviceInfo) {
		log.WithFields(logrus.Fields{
			"device_id": device.DeviceID,
			"name":      device.DeviceName,
			"addr":      device.Addr(),
		}).Info("device discovered")
	})
	manager.OnProgress(func(sessionID uint32, bytes, total int64, speed float64) {
		log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"bytes":      bytes,
			"total":      total,
			"speed_bps":  int64(speed),
		}).Info("progress")
	})
	manager.OnComplete(func(sessionID uint32, success bool, kind models.ErrKind) {
		log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"success":    success,
			"error":      kind.String(),
		}).Info("transfer finished")
	})
	manager.OnError(func(sessionID uint32, kind models.ErrKind, message string) {
		log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      kind.String(),
		}).Warn(message)
	})
	manager.OnFileReceiveRequest(func(sender models.DeviceInfo, info models.FileInfo) bool {
		log.WithFields(logrus.Fields{
			"device_id": sender.DeviceID,
			"file":      info.Name,
			"bytes":     info.Size,
		}).Info("accepting incoming file")
		return true
	})

	if err := manager.Start(*port); err != nil {
		log.WithError(err).Fatal("start manager")
	}
	defer manager.Stop()

	if err := manager.StartDiscovery(); err != nil {
		log.WithError(err).Fatal("start discovery")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *sendList != "" {
		if *to == "" {
			log.Fatal("-send requires -to <device id>")
		}
		paths := strings.Split(*sendList, ",")
		if err := sendAndWait(ctx, log, manager, *to, paths, *wait); err != nil {
			log.WithError(err).Fatal("send")
		}
		return
	}

	log.WithField("port", manager.Port()).Info("receiving; press Ctrl-C to stop")
	<-ctx.Done()
}

// sendAndWait waits for the target to show up in discovery, connects, queues
// the files, and blocks until the whole queue finishes or ctx ends.
func sendAndWait(ctx context.Context, log *logrus.Logger, manager *landrop.Manager, deviceID string, paths []string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	var device models.DeviceInfo
	for {
		if found, ok := manager.FindDevice(deviceID); ok {
			device = found
			break
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	sessionID := manager.ConnectToDevice(device)
	if sessionID == 0 {
		return errConnect
	}
	log.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"session_id": sessionID,
	}).Info("connected")

	done := make(chan bool, 1)
	manager.OnComplete(func(id uint32, success bool, kind models.ErrKind) {
		log.WithFields(logrus.Fields{
			"session_id": id,
			"success":    success,
			"error":      kind.String(),
		}).Info("transfer finished")
		if id == sessionID {
			select {
			case done <- success:
			default:
			}
		}
	})

	ids := manager.SendFiles(sessionID, paths)
	if ids == nil {
		return errSend
	}
	log.WithField("transfers", len(ids)).Info("sending")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case success := <-done:
		if !success {
			return errTransfer
		}
	}
	manager.DisconnectFromDevice(sessionID)
	return nil
}
