package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"landrop/models"
	"landrop/wire"
)

// Config controls the UDP discovery service.
type Config struct {
	// LocalDevice is announced in every broadcast and used for
	// self-filtering by device id.
	LocalDevice models.DeviceInfo

	DiscoveryPort int

	// BroadcastAddress receives announcements. A bare host gets the
	// discovery port appended; tests pass "127.0.0.1:port" to target a
	// loopback peer directly.
	BroadcastAddress string

	BroadcastInterval time.Duration
	ReadTimeout       time.Duration
	StaleAfter        time.Duration
	MaxDevices        int

	// OnDeviceDiscovered fires once per newly learned device.
	OnDeviceDiscovered func(models.DeviceInfo)

	Logger *logrus.Entry
}

func (c Config) withDefaults() Config {
	out := c
	if out.DiscoveryPort <= 0 {
		out.DiscoveryPort = 8889
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = "255.255.255.255"
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = 5 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 1 * time.Second
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 3 * out.BroadcastInterval
	}
	if out.MaxDevices <= 0 {
		out.MaxDevices = 64
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "discovery")
	}
	return out
}

// Service runs the discovery broadcast and listen loops against one UDP
// socket. Broadcasting is gated by Enable/Disable; the listen loop always
// answers requests from other devices while the service runs.
type Service struct {
	cfg   Config
	codec *wire.Codec

	directory *Directory
	conn      *net.UDPConn
	target    *net.UDPAddr

	enabled atomic.Bool

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewService creates a discovery service; Start binds the socket.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.LocalDevice.DeviceID == "" {
		return nil, errors.New("local device id is required")
	}

	target, err := resolveBroadcastTarget(cfg.BroadcastAddress, cfg.DiscoveryPort)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		codec:     wire.NewCodec(),
		directory: NewDirectory(cfg.LocalDevice.DeviceID, cfg.MaxDevices, cfg.StaleAfter),
		target:    target,
		closed:    make(chan struct{}),
	}, nil
}

// Directory returns the discovered-device table.
func (s *Service) Directory() *Directory {
	return s.directory
}

// Port returns the bound discovery port.
func (s *Service) Port() int {
	if s.conn == nil {
		return s.cfg.DiscoveryPort
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start binds the discovery socket and launches the broadcast and listen
// loops. Broadcasting stays off until Enable is called.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.DiscoveryPort})
	if err != nil {
		return fmt.Errorf("bind discovery port %d: %w", s.cfg.DiscoveryPort, err)
	}
	if err := enableBroadcast(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable broadcast: %w", err)
	}
	s.conn = conn

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.listenLoop()

	s.cfg.Logger.WithFields(logrus.Fields{
		"port":      s.Port(),
		"device_id": s.cfg.LocalDevice.DeviceID,
	}).Info("discovery service started")
	return nil
}

// Enable turns on periodic announcements and sends one immediately.
func (s *Service) Enable() {
	if s.enabled.CompareAndSwap(false, true) {
		s.broadcastOnce()
		s.cfg.Logger.Debug("discovery broadcasting enabled")
	}
}

// Disable stops periodic announcements; the listen loop keeps answering.
func (s *Service) Disable() {
	if s.enabled.CompareAndSwap(true, false) {
		s.cfg.Logger.Debug("discovery broadcasting disabled")
	}
}

// Enabled reports whether announcements are being sent.
func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// Stop closes the socket to unblock the loops and waits for them to exit.
func (s *Service) Stop() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.wg.Wait()
		s.cfg.Logger.Info("discovery service stopped")
	})
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if s.enabled.Load() {
				s.broadcastOnce()
			}
			if evicted := s.directory.Sweep(time.Now()); len(evicted) > 0 {
				s.cfg.Logger.WithField("count", len(evicted)).Debug("evicted stale devices")
			}
		}
	}
}

func (s *Service) broadcastOnce() {
	local := s.cfg.LocalDevice
	request := wire.DiscoveryRequest{
		DeviceID:           local.DeviceID,
		DeviceName:         local.DeviceName,
		DeviceType:         local.DeviceType,
		ListenPort:         local.Port,
		SupportsEncryption: local.SupportsEncryption,
		MaxChunkSize:       local.MaxChunkSize,
	}

	frame, err := s.codec.EncodeMessage(wire.TypeDiscoveryRequest, 0, request)
	if err != nil {
		s.cfg.Logger.WithError(err).Warn("encode discovery request")
		return
	}
	if _, err := s.conn.WriteToUDP(frame, s.target); err != nil {
		s.cfg.Logger.WithError(err).Debug("send discovery broadcast")
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.WithError(err).Debug("discovery read")
			continue
		}

		s.handleDatagram(buf[:n], from)
	}
}

func (s *Service) handleDatagram(datagram []byte, from *net.UDPAddr) {
	header, payload, err := wire.Decode(datagram)
	if err != nil {
		// Stray datagrams on the discovery port are routine, not errors.
		s.cfg.Logger.WithError(err).Debug("discard malformed discovery datagram")
		return
	}

	switch header.MsgType {
	case wire.TypeDiscoveryRequest:
		var request wire.DiscoveryRequest
		if err := wire.DecodePayload(payload, &request); err != nil {
			s.cfg.Logger.WithError(err).Debug("decode discovery request")
			return
		}
		s.handleRequest(request, from)
	case wire.TypeDiscoveryResponse:
		var response wire.DiscoveryResponse
		if err := wire.DecodePayload(payload, &response); err != nil {
			s.cfg.Logger.WithError(err).Debug("decode discovery response")
			return
		}
		s.handleResponse(response, from)
	default:
		s.cfg.Logger.WithField("msg_type", wire.TypeName(header.MsgType)).Debug("ignore discovery message")
	}
}

func (s *Service) handleRequest(request wire.DiscoveryRequest, from *net.UDPAddr) {
	// A device hears its own broadcasts; filter by id, not address, since
	// one device may own several interfaces.
	if request.DeviceID == s.cfg.LocalDevice.DeviceID {
		return
	}

	// A request proves the sender is alive, so learn it too.
	s.upsert(models.DeviceInfo{
		DeviceID:           request.DeviceID,
		DeviceName:         request.DeviceName,
		DeviceType:         request.DeviceType,
		IPAddress:          from.IP.String(),
		Port:               request.ListenPort,
		LastSeen:           time.Now().UnixMilli(),
		SupportsEncryption: request.SupportsEncryption,
		MaxChunkSize:       request.MaxChunkSize,
	})

	local := s.cfg.LocalDevice
	response := wire.DiscoveryResponse{
		DeviceID:           local.DeviceID,
		DeviceName:         local.DeviceName,
		DeviceType:         local.DeviceType,
		ListenPort:         local.Port,
		SupportsEncryption: local.SupportsEncryption,
		MaxChunkSize:       local.MaxChunkSize,
		AcceptsConnections: true,
	}

	frame, err := s.codec.EncodeMessage(wire.TypeDiscoveryResponse, 0, response)
	if err != nil {
		s.cfg.Logger.WithError(err).Warn("encode discovery response")
		return
	}
	if _, err := s.conn.WriteToUDP(frame, from); err != nil {
		s.cfg.Logger.WithError(err).Debug("send discovery response")
	}
}

func (s *Service) handleResponse(response wire.DiscoveryResponse, from *net.UDPAddr) {
	if response.DeviceID == s.cfg.LocalDevice.DeviceID {
		return
	}

	s.upsert(models.DeviceInfo{
		DeviceID:           response.DeviceID,
		DeviceName:         response.DeviceName,
		DeviceType:         response.DeviceType,
		IPAddress:          from.IP.String(),
		Port:               response.ListenPort,
		LastSeen:           time.Now().UnixMilli(),
		SupportsEncryption: response.SupportsEncryption,
		MaxChunkSize:       response.MaxChunkSize,
	})
}

func (s *Service) upsert(device models.DeviceInfo) {
	isNew := s.directory.Upsert(device)
	if !isNew {
		return
	}

	s.cfg.Logger.WithFields(logrus.Fields{
		"device_id":   device.DeviceID,
		"device_name": device.DeviceName,
		"addr":        device.Addr(),
	}).Info("discovered device")

	if s.cfg.OnDeviceDiscovered != nil {
		s.cfg.OnDeviceDiscovered(device)
	}
}

func resolveBroadcastTarget(address string, discoveryPort int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(discoveryPort))
	}
	target, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address %q: %w", address, err)
	}
	return target, nil
}
