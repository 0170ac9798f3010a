package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"landrop/models"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_landrop._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// MDNSBrowseInterval is the background browse interval.
	MDNSBrowseInterval = 10 * time.Second
	// MDNSBrowseTimeout bounds each browse operation.
	MDNSBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the optional mDNS announce/browse backend. It mirrors
// the UDP broadcast protocol's device metadata in TXT records and feeds the
// same directory, for networks where broadcast is filtered but multicast DNS
// is not.
type MDNSConfig struct {
	LocalDevice models.DeviceInfo

	BrowseInterval time.Duration
	BrowseTimeout  time.Duration

	OnDeviceDiscovered func(models.DeviceInfo)

	Logger *logrus.Entry

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = MDNSBrowseInterval
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = MDNSBrowseTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "mdns")
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNSBackend announces the local device over mDNS and browses for peers,
// upserting them into the shared device directory.
type MDNSBackend struct {
	cfg       MDNSConfig
	directory *Directory

	server *zeroconf.Server
	browse browseFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartMDNS registers the local service and starts the browse loop.
func StartMDNS(config MDNSConfig, directory *Directory) (*MDNSBackend, error) {
	cfg := config.withDefaults()
	if cfg.LocalDevice.DeviceID == "" {
		return nil, fmt.Errorf("local device id is required")
	}

	txt := []string{
		"device_id=" + cfg.LocalDevice.DeviceID,
		"device_type=" + strconv.Itoa(int(cfg.LocalDevice.DeviceType)),
		"max_chunk_size=" + strconv.Itoa(cfg.LocalDevice.MaxChunkSize),
	}
	server, err := cfg.registerFn(cfg.LocalDevice.DeviceName, MDNSService, MDNSDomain, cfg.LocalDevice.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			if server != nil {
				server.Shutdown()
			}
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	backend := &MDNSBackend{
		cfg:       cfg,
		directory: directory,
		server:    server,
		browse:    browse,
		ctx:       ctx,
		cancel:    cancel,
	}

	backend.wg.Add(1)
	go backend.browseLoop()
	return backend, nil
}

// Stop shuts down announcement and browsing.
func (b *MDNSBackend) Stop() {
	if b == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	if b.server != nil {
		b.server.Shutdown()
	}
}

func (b *MDNSBackend) browseLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.BrowseInterval)
	defer ticker.Stop()

	b.browseOnce()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.browseOnce()
		}
	}
}

func (b *MDNSBackend) browseOnce() {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			b.handleEntry(entry)
		}
	}()

	if err := b.browse(ctx, MDNSService, MDNSDomain, entries); err != nil {
		b.cfg.Logger.WithError(err).Debug("mDNS browse")
		// On failure the resolver never writes to entries, so it is ours
		// to close; on success it closes the channel once ctx expires.
		close(entries)
		<-done
		return
	}
	<-ctx.Done()
	<-done
}

func (b *MDNSBackend) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return
	}

	device := models.DeviceInfo{
		DeviceName: entry.Instance,
		IPAddress:  entry.AddrIPv4[0].String(),
		Port:       entry.Port,
		LastSeen:   time.Now().UnixMilli(),
	}
	for _, record := range entry.Text {
		key, value, found := strings.Cut(record, "=")
		if !found {
			continue
		}
		switch key {
		case "device_id":
			device.DeviceID = value
		case "device_type":
			if parsed, err := strconv.Atoi(value); err == nil {
				device.DeviceType = models.DeviceType(parsed)
			}
		case "max_chunk_size":
			if parsed, err := strconv.Atoi(value); err == nil {
				device.MaxChunkSize = parsed
			}
		}
	}

	if device.DeviceID == "" || device.DeviceID == b.cfg.LocalDevice.DeviceID {
		return
	}

	if b.directory.Upsert(device) {
		b.cfg.Logger.WithFields(logrus.Fields{
			"device_id": device.DeviceID,
			"addr":      device.Addr(),
		}).Info("discovered device via mDNS")
		if b.cfg.OnDeviceDiscovered != nil {
			b.cfg.OnDeviceDiscovered(device)
		}
	}
}
