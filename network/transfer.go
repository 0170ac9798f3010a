package network

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"landrop/models"
	"landrop/wire"
)

// ErrTransferNotFound indicates an unknown transfer id.
var ErrTransferNotFound = errors.New("network: transfer not found")

// PartSuffix marks a partially received file on disk. The suffix is dropped
// only after the whole-file hash verifies.
const PartSuffix = ".part"

type sendEventKind uint8

const (
	evResponse sendEventKind = iota
	evAck
	evControl
	evAbort
)

// sendEvent carries one protocol event from the connection's read loop (or a
// local pause/resume/cancel request) into a sending goroutine.
type sendEvent struct {
	kind    sendEventKind
	resp    wire.FileResponse
	ack     wire.FileAck
	control wire.TransferControl
	abort   models.ErrKind
}

// sendItem is one file in an outbound queue. Ids are minted before the
// queue starts so callers can address every file immediately.
type sendItem struct {
	transferID   uint32
	path         string
	info         models.FileInfo
	resumeOffset int64
}

// outboundTransfer is the sender-side state of one queue of files bound for
// a single session. The session stays in Transferring across the whole
// queue and reaches Completed after the last file.
type outboundTransfer struct {
	sessionID uint32
	link      *link
	items     []sendItem
	chunkSize int

	// current is the transfer id of the in-flight file.
	current atomic.Uint32

	events  chan sendEvent
	abortCh chan models.ErrKind

	// done closes once the queue goroutine has finished, callbacks included.
	done chan struct{}
}

// inboundTransfer is the receiver-side state of one in-flight file. It is
// mutated only under mu; the connection read loop and the facade's control
// calls both reach it.
type inboundTransfer struct {
	mu sync.Mutex

	sessionID  uint32
	transferID uint32
	link       *link
	info       models.FileInfo
	finalPath  string
	partPath   string
	file       *os.File
	expected   int64
	received   int64
	// written tracks acked chunk offsets so a retried chunk is not counted
	// twice.
	written map[int64]struct{}
}

// TransferEngine drives file transfers over established connections: the
// chunked send loop with per-chunk acks and retries on one side, chunk
// verification and reassembly on the other. One transfer runs per session at
// a time.
type TransferEngine struct {
	m   *ConnManager
	log *logrus.Entry

	mu         sync.Mutex
	outbound   map[uint32]*outboundTransfer // by session id
	inbound    map[uint32]*inboundTransfer  // by session id
	byTransfer map[uint32]uint32            // transfer id -> session id

	transferSeq atomic.Uint32

	totalSent     atomic.Int64
	totalReceived atomic.Int64
}

func newTransferEngine(m *ConnManager) *TransferEngine {
	e := &TransferEngine{
		m:          m,
		log:        m.opts.Logger,
		outbound:   make(map[uint32]*outboundTransfer),
		inbound:    make(map[uint32]*inboundTransfer),
		byTransfer: make(map[uint32]uint32),
	}
	e.transferSeq.Store(rand.Uint32())
	return e
}

// stats reports active transfer count and byte totals for heartbeats.
func (e *TransferEngine) stats() (active int, sent, received int64) {
	e.mu.Lock()
	active = len(e.outbound) + len(e.inbound)
	e.mu.Unlock()
	return active, e.totalSent.Load(), e.totalReceived.Load()
}

// SessionForTransfer resolves a transfer id to its session id.
func (e *TransferEngine) SessionForTransfer(transferID uint32) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessionID, ok := e.byTransfer[transferID]
	return sessionID, ok
}

// Send starts transferring one or more files over an established session,
// sequentially, in the order given. It returns the transfer id of every
// queued file once the queue is accepted; progress and completion arrive
// through callbacks. resumeOffset restarts the first file at the given byte
// position.
func (e *TransferEngine) Send(sessionID uint32, paths []string, resumeOffset int64) ([]uint32, error) {
	if len(paths) == 0 {
		return nil, models.NewKindError(models.ErrInvalidRequest, "no files to send")
	}

	l, ok := e.m.linkFor(sessionID)
	if !ok {
		return nil, ErrNotConnected
	}

	items := make([]sendItem, 0, len(paths))
	for i, path := range paths {
		info, err := models.NewFileInfo(path)
		if err != nil {
			return nil, err
		}
		if info.IsDirectory {
			return nil, models.NewKindError(models.ErrInvalidRequest, "%s is a directory", path)
		}
		hash, err := wire.FileHash(path)
		if err != nil {
			return nil, models.NewKindError(models.ErrFileAccessDenied, "hash %s: %v", path, err)
		}
		info.Hash = hash

		item := sendItem{
			transferID: e.transferSeq.Add(1),
			path:       path,
			info:       info,
		}
		if i == 0 {
			if resumeOffset < 0 || resumeOffset > info.Size {
				return nil, models.NewKindError(models.ErrInvalidRequest, "resume offset %d out of range for %d-byte file", resumeOffset, info.Size)
			}
			item.resumeOffset = resumeOffset
		}
		items = append(items, item)
	}

	session, ok := e.m.table.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}

	t := &outboundTransfer{
		sessionID: sessionID,
		link:      l,
		items:     items,
		chunkSize: session.ChunkSize,
		events:    make(chan sendEvent, 16),
		abortCh:   make(chan models.ErrKind, 1),
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	if _, busy := e.outbound[sessionID]; busy {
		e.mu.Unlock()
		return nil, models.NewKindError(models.ErrInvalidRequest, "session %d already has an active transfer", sessionID)
	}
	if _, busy := e.inbound[sessionID]; busy {
		e.mu.Unlock()
		return nil, models.NewKindError(models.ErrInvalidRequest, "session %d already has an active transfer", sessionID)
	}
	e.outbound[sessionID] = t
	for _, item := range items {
		e.byTransfer[item.transferID] = sessionID
	}
	e.mu.Unlock()

	e.m.table.Reactivate(sessionID)
	if err := e.m.table.SetStatus(sessionID, models.StatusTransferring); err != nil {
		e.unregister(t)
		return nil, err
	}

	ids := make([]uint32, len(items))
	for i, item := range items {
		ids[i] = item.transferID
	}

	go e.runSend(t)
	return ids, nil
}

func (e *TransferEngine) unregister(t *outboundTransfer) {
	e.mu.Lock()
	if e.outbound[t.sessionID] == t {
		delete(e.outbound, t.sessionID)
	}
	for _, item := range t.items {
		delete(e.byTransfer, item.transferID)
	}
	e.mu.Unlock()
}

func (e *TransferEngine) runSend(t *outboundTransfer) {
	defer close(t.done)

	var (
		kind models.ErrKind
		err  error
	)
	for _, item := range t.items {
		t.current.Store(item.transferID)
		e.m.table.Update(t.sessionID, func(s *models.TransferSession) {
			s.FileInfo = item.info
			s.TransferID = item.transferID
			s.Direction = models.DirectionSend
			s.TotalBytes = item.info.Size
			s.BytesTransferred = item.resumeOffset
			s.StartTime = nowMilli()
			s.LastError = models.ErrNone
		})

		kind, err = e.sendFile(t, item)
		if err != nil {
			break
		}
		e.log.WithFields(logrus.Fields{
			"session_id":  t.sessionID,
			"transfer_id": item.transferID,
			"file":        item.info.Name,
			"bytes":       item.info.Size,
		}).Info("file sent")
	}

	e.unregister(t)

	if err == nil {
		e.m.table.SetStatus(t.sessionID, models.StatusCompleted)
		if cb := e.m.opts.Callbacks.Complete; cb != nil {
			cb(t.sessionID, true, models.ErrNone)
		}
		return
	}

	e.failSession(t.sessionID, kind, err.Error())
}

// failSession marks a session failed (or cancelled) and fires the Error and
// Complete callbacks.
func (e *TransferEngine) failSession(sessionID uint32, kind models.ErrKind, message string) {
	if kind == models.ErrTransferCancelled {
		e.m.table.SetStatus(sessionID, models.StatusCancelled)
	} else {
		e.m.table.SetStatus(sessionID, models.StatusError)
		e.m.table.Update(sessionID, func(s *models.TransferSession) {
			s.LastError = kind
		})
	}

	e.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"error_kind": kind.String(),
	}).Warn(message)

	if cb := e.m.opts.Callbacks.Error; cb != nil && kind != models.ErrTransferCancelled {
		cb(sessionID, kind, message)
	}
	if cb := e.m.opts.Callbacks.Complete; cb != nil {
		cb(sessionID, false, kind)
	}
}

// sendFile performs the full sender-side protocol for one file. The returned
// kind classifies the failure; it is ErrNone only alongside a nil error.
func (e *TransferEngine) sendFile(t *outboundTransfer, item sendItem) (models.ErrKind, error) {
	if err := t.link.send(wire.TypeFileRequest, wire.FileRequest{
		TransferID:     item.transferID,
		FileInfo:       item.info,
		ChunkSize:      t.chunkSize,
		ResumeTransfer: item.resumeOffset > 0,
		ResumeOffset:   item.resumeOffset,
	}); err != nil {
		return models.ErrNetworkFailure, fmt.Errorf("send file request: %w", err)
	}

	ev, ok := t.await(e.m.opts.AckTimeout, func(ev sendEvent) bool {
		return ev.kind == evResponse
	})
	if !ok {
		return models.ErrConnectionTimeout, errors.New("timed out waiting for file response")
	}
	if ev.kind == evAbort {
		return ev.abort, fmt.Errorf("transfer aborted: %s", ev.abort)
	}
	resp := ev.resp
	if !resp.Accepted {
		kind := resp.ErrorCode
		if kind == models.ErrNone {
			kind = models.ErrTransferCancelled
		}
		return kind, fmt.Errorf("file declined by peer: %s", kind)
	}

	if resp.ChunkSize > 0 && resp.ChunkSize < t.chunkSize {
		t.chunkSize = resp.ChunkSize
		e.m.table.Update(t.sessionID, func(s *models.TransferSession) {
			s.ChunkSize = t.chunkSize
		})
	}

	file, err := os.Open(item.path)
	if err != nil {
		e.sendError(t, models.ErrFileAccessDenied, "file became unreadable")
		return models.ErrFileAccessDenied, fmt.Errorf("open %s: %w", item.path, err)
	}
	defer file.Close()

	offset := item.resumeOffset
	buf := make([]byte, t.chunkSize)

	for {
		if offset > 0 {
			if _, err := file.Seek(offset, io.SeekStart); err != nil {
				return models.ErrFileAccessDenied, fmt.Errorf("seek to %d: %w", offset, err)
			}
		}

		n, err := io.ReadFull(file, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return models.ErrFileAccessDenied, fmt.Errorf("read at %d: %w", offset, err)
		}
		isLast := offset+int64(n) >= item.info.Size

		data := buf[:n]
		if t.encrypted() {
			sealed, err := e.m.opts.Cipher.Seal(data)
			if err != nil {
				return models.ErrProtocolError, fmt.Errorf("seal chunk: %w", err)
			}
			data = sealed
		}

		kind, newOffset, err := e.sendChunkAcked(t, wire.ChunkHeader{
			TransferID:    item.transferID,
			ChunkOffset:   offset,
			ChunkSize:     len(data),
			ChunkChecksum: wire.Checksum(data),
			IsLastChunk:   isLast,
		}, data)
		if err != nil {
			return kind, err
		}
		if newOffset >= 0 {
			// Resumed at a peer-requested position; re-read from there.
			offset = newOffset
			continue
		}

		offset += int64(n)
		e.totalSent.Add(int64(n))
		e.reportProgress(t.sessionID, offset)

		if isLast {
			break
		}
	}

	if err := t.link.send(wire.TypeTransferComplete, wire.TransferComplete{
		TransferID: item.transferID,
		Success:    true,
		FileHash:   item.info.Hash,
	}); err != nil {
		return models.ErrNetworkFailure, fmt.Errorf("send transfer complete: %w", err)
	}
	return models.ErrNone, nil
}

// sendChunkAcked sends one chunk and waits for its ack, retrying on
// retryable failures. A non-negative returned offset means the peer resumed
// the transfer at a different position and the caller must re-read there.
func (e *TransferEngine) sendChunkAcked(t *outboundTransfer, header wire.ChunkHeader, data []byte) (models.ErrKind, int64, error) {
	payload := wire.MarshalChunk(header, data)
	lastKind := models.ErrConnectionTimeout

	for attempt := 0; attempt <= e.m.opts.MaxChunkRetries; attempt++ {
		if attempt > 0 {
			e.log.WithFields(logrus.Fields{
				"transfer_id": header.TransferID,
				"offset":      header.ChunkOffset,
				"attempt":     attempt,
			}).Debug("retrying chunk")
		}
		if err := t.link.sendRaw(wire.TypeFileChunk, payload); err != nil {
			return models.ErrNetworkFailure, -1, fmt.Errorf("send chunk at %d: %w", header.ChunkOffset, err)
		}

	waitAck:
		ev, ok := t.await(e.m.opts.AckTimeout, func(ev sendEvent) bool { return true })
		if !ok {
			continue // ack timeout, resend
		}

		switch ev.kind {
		case evAbort:
			return ev.abort, -1, fmt.Errorf("transfer aborted: %s", ev.abort)

		case evControl:
			kind, resumeAt, err := e.applyOutboundControl(t, ev.control)
			if err != nil {
				return kind, -1, err
			}
			if resumeAt >= 0 {
				return models.ErrNone, resumeAt, nil
			}
			goto waitAck

		case evAck:
			ack := ev.ack
			if ack.TransferID != header.TransferID || ack.ChunkOffset != header.ChunkOffset {
				goto waitAck // stale ack from a retried chunk
			}
			if ack.ChunkReceived {
				return models.ErrNone, -1, nil
			}
			if !ack.ErrorCode.Retryable() {
				return ack.ErrorCode, -1, fmt.Errorf("chunk at %d rejected: %s", header.ChunkOffset, ack.ErrorCode)
			}
			// Retryable nack, fall through to resend.
			lastKind = ack.ErrorCode

		case evResponse:
			goto waitAck // duplicate response, ignore
		}
	}

	return lastKind, -1, fmt.Errorf("chunk at %d failed after %d retries", header.ChunkOffset, e.m.opts.MaxChunkRetries)
}

// applyOutboundControl reacts to a pause/resume/cancel aimed at the sending
// side. On pause it blocks until a resume, cancel, or abort arrives. A
// non-negative returned offset asks the send loop to restart reading there.
func (e *TransferEngine) applyOutboundControl(t *outboundTransfer, control wire.TransferControl) (models.ErrKind, int64, error) {
	switch control.NewStatus {
	case models.StatusCancelled:
		return models.ErrTransferCancelled, -1, errors.New("transfer cancelled")

	case models.StatusPaused:
		e.m.table.SetStatus(t.sessionID, models.StatusPaused)
		e.log.WithField("transfer_id", t.current.Load()).Info("transfer paused")

		for {
			ev, ok := t.await(0, func(ev sendEvent) bool {
				return ev.kind == evControl || ev.kind == evAbort
			})
			if !ok {
				return models.ErrNetworkFailure, -1, errors.New("transfer state lost while paused")
			}
			if ev.kind == evAbort {
				return ev.abort, -1, fmt.Errorf("transfer aborted: %s", ev.abort)
			}
			switch ev.control.NewStatus {
			case models.StatusCancelled:
				return models.ErrTransferCancelled, -1, errors.New("transfer cancelled")
			case models.StatusTransferring:
				e.m.table.SetStatus(t.sessionID, models.StatusTransferring)
				e.log.WithField("transfer_id", t.current.Load()).Info("transfer resumed")
				if ev.control.ResumeOffset > 0 {
					return models.ErrNone, ev.control.ResumeOffset, nil
				}
				return models.ErrNone, -1, nil
			}
		}

	case models.StatusTransferring:
		// Resume while not paused; reposition if requested.
		if control.ResumeOffset > 0 {
			return models.ErrNone, control.ResumeOffset, nil
		}
		return models.ErrNone, -1, nil

	default:
		return models.ErrInvalidRequest, -1, fmt.Errorf("unexpected transfer control: %s", control.NewStatus)
	}
}

// await blocks for the next event matching the predicate. A zero timeout
// waits indefinitely; aborts always end the wait.
func (t *outboundTransfer) await(timeout time.Duration, match func(sendEvent) bool) (sendEvent, bool) {
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	for {
		select {
		case ev := <-t.events:
			if match(ev) {
				return ev, true
			}
		case kind := <-t.abortCh:
			return sendEvent{kind: evAbort, abort: kind}, true
		case <-timer:
			return sendEvent{}, false
		}
	}
}

func (t *outboundTransfer) encrypted() bool {
	return t.link.encrypted
}

// push delivers an event to the sending goroutine without blocking the
// connection's read loop.
func (t *outboundTransfer) push(ev sendEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

// signalAbort ends the send loop no matter what it is waiting on. Only the
// first abort matters.
func (t *outboundTransfer) signalAbort(kind models.ErrKind) {
	select {
	case t.abortCh <- kind:
	default:
	}
}

func (e *TransferEngine) reportProgress(sessionID uint32, bytes int64) {
	e.m.table.Update(sessionID, func(s *models.TransferSession) {
		s.UpdateProgress(bytes)
	})
	if cb := e.m.opts.Callbacks.Progress; cb != nil {
		if session, ok := e.m.table.Get(sessionID); ok {
			cb(sessionID, session.BytesTransferred, session.TotalBytes, session.TransferSpeed)
		}
	}
}

func (e *TransferEngine) sendError(t *outboundTransfer, kind models.ErrKind, message string) {
	t.link.send(wire.TypeError, wire.ErrorMessage{
		ErrorCode:         kind,
		Message:           message,
		RelatedSessionID:  t.sessionID,
		RelatedTransferID: t.current.Load(),
	})
}

// Pause suspends an in-flight transfer. Either side may pause; the peer is
// notified so both session views agree.
func (e *TransferEngine) Pause(transferID uint32) error {
	return e.control(transferID, models.StatusPaused, 0)
}

// Resume continues a paused transfer. A receiving side resumes at its
// confirmed byte count so nothing is skipped or duplicated.
func (e *TransferEngine) Resume(transferID uint32) error {
	return e.control(transferID, models.StatusTransferring, -1)
}

// Cancel stops a transfer for good. Partial receive data stays on disk under
// the part suffix.
func (e *TransferEngine) Cancel(transferID uint32) error {
	return e.control(transferID, models.StatusCancelled, 0)
}

func (e *TransferEngine) control(transferID uint32, status models.Status, resumeOffset int64) error {
	e.mu.Lock()
	sessionID, ok := e.byTransfer[transferID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTransferNotFound, transferID)
	}
	out := e.outbound[sessionID]
	in := e.inbound[sessionID]
	e.mu.Unlock()

	control := wire.TransferControl{
		TransferID: transferID,
		NewStatus:  status,
	}

	switch {
	case out != nil:
		// The send loop applies the state change and notifies the peer's
		// view through its own pause in chunk flow.
		if err := out.link.send(wire.TypeTransferControl, control); err != nil {
			return err
		}
		out.push(sendEvent{kind: evControl, control: control})
		return nil

	case in != nil:
		return e.controlInbound(in, status, resumeOffset)

	default:
		return fmt.Errorf("%w: %d", ErrTransferNotFound, transferID)
	}
}

// controlInbound applies a local pause/resume/cancel on the receiving side
// and forwards it to the sender.
func (e *TransferEngine) controlInbound(in *inboundTransfer, status models.Status, resumeOffset int64) error {
	in.mu.Lock()
	control := wire.TransferControl{
		TransferID: in.transferID,
		NewStatus:  status,
	}
	if status == models.StatusTransferring {
		if resumeOffset < 0 {
			control.ResumeOffset = in.received
		} else {
			control.ResumeOffset = resumeOffset
		}
	}
	l := in.link
	in.mu.Unlock()

	if status == models.StatusCancelled {
		if err := l.send(wire.TypeTransferControl, control); err != nil {
			return err
		}
		e.closeInbound(in)
		e.failSession(in.sessionID, models.ErrTransferCancelled, "transfer cancelled")
		return nil
	}

	if err := e.m.table.SetStatus(in.sessionID, status); err != nil {
		return err
	}
	return l.send(wire.TypeTransferControl, control)
}

// handleFileRequest runs on the connection read loop when a peer offers a
// file.
func (e *TransferEngine) handleFileRequest(l *link, payload []byte) {
	var req wire.FileRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		e.log.WithError(err).Warn("malformed file request")
		return
	}

	decline := func(kind models.ErrKind) {
		l.send(wire.TypeFileResponse, wire.FileResponse{Accepted: false, ErrorCode: kind})
	}

	if req.TransferID == 0 || req.FileInfo.Name == "" || req.FileInfo.Size < 0 {
		decline(models.ErrInvalidRequest)
		return
	}
	if req.ResumeTransfer && (req.ResumeOffset < 0 || req.ResumeOffset > req.FileInfo.Size) {
		decline(models.ErrInvalidRequest)
		return
	}

	e.mu.Lock()
	_, outBusy := e.outbound[l.sessionID]
	_, inBusy := e.inbound[l.sessionID]
	e.mu.Unlock()
	if outBusy || inBusy {
		decline(models.ErrInvalidRequest)
		return
	}

	if cb := e.m.opts.Callbacks.FileReceiveRequest; cb != nil && !cb(l.device, req.FileInfo) {
		e.log.WithFields(logrus.Fields{
			"device_id": l.device.DeviceID,
			"file":      req.FileInfo.Name,
		}).Info("file offer declined")
		decline(models.ErrTransferCancelled)
		return
	}

	// The offered name is untrusted; only its base component reaches disk.
	name := filepath.Base(req.FileInfo.Name)
	if name == "." || name == string(filepath.Separator) {
		decline(models.ErrInvalidRequest)
		return
	}
	finalPath := filepath.Join(e.m.opts.SaveDir, name)
	partPath := finalPath + PartSuffix

	if err := os.MkdirAll(e.m.opts.SaveDir, 0o755); err != nil {
		decline(models.ErrFileAccessDenied)
		return
	}

	flags := os.O_CREATE | os.O_WRONLY
	if !req.ResumeTransfer {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		e.log.WithError(err).WithField("path", partPath).Warn("cannot open part file")
		decline(models.ErrFileAccessDenied)
		return
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 || chunkSize > e.m.opts.ChunkSize {
		chunkSize = e.m.opts.ChunkSize
	}

	transferID := req.TransferID
	in := &inboundTransfer{
		sessionID:  l.sessionID,
		transferID: transferID,
		link:       l,
		info:       req.FileInfo,
		finalPath:  finalPath,
		partPath:   partPath,
		file:       file,
		expected:   req.FileInfo.Size,
		written:    make(map[int64]struct{}),
	}
	if req.ResumeTransfer {
		in.received = req.ResumeOffset
	}

	e.mu.Lock()
	e.inbound[l.sessionID] = in
	e.byTransfer[transferID] = l.sessionID
	e.mu.Unlock()

	e.m.table.Reactivate(l.sessionID)
	e.m.table.SetStatus(l.sessionID, models.StatusTransferring)
	e.m.table.Update(l.sessionID, func(s *models.TransferSession) {
		s.FileInfo = req.FileInfo
		s.TransferID = transferID
		s.Direction = models.DirectionReceive
		s.TotalBytes = req.FileInfo.Size
		s.BytesTransferred = in.received
		s.ChunkSize = chunkSize
		s.StartTime = nowMilli()
		s.LastError = models.ErrNone
	})

	l.send(wire.TypeFileResponse, wire.FileResponse{
		Accepted:   true,
		TransferID: transferID,
		FileSize:   req.FileInfo.Size,
		ChunkSize:  chunkSize,
	})

	e.log.WithFields(logrus.Fields{
		"device_id":   l.device.DeviceID,
		"transfer_id": transferID,
		"file":        name,
		"bytes":       req.FileInfo.Size,
		"resume_at":   in.received,
	}).Info("receiving file")
}

// handleFileResponse routes a peer's answer to a file offer back to the
// sending goroutine.
func (e *TransferEngine) handleFileResponse(l *link, payload []byte) {
	var resp wire.FileResponse
	if err := wire.DecodePayload(payload, &resp); err != nil {
		return
	}
	if out := e.outboundFor(l.sessionID); out != nil {
		out.push(sendEvent{kind: evResponse, resp: resp})
	}
}

// handleChunk verifies and persists one received chunk, then acks it.
func (e *TransferEngine) handleChunk(l *link, payload []byte) {
	header, data, err := wire.UnmarshalChunk(payload)
	if err != nil {
		e.log.WithError(err).Warn("malformed chunk")
		return
	}

	in := e.inboundFor(l.sessionID)
	if in == nil || in.transferID != header.TransferID {
		l.send(wire.TypeFileAck, wire.FileAck{
			TransferID:  header.TransferID,
			ChunkOffset: header.ChunkOffset,
			ErrorCode:   models.ErrInvalidRequest,
		})
		return
	}

	nack := func(kind models.ErrKind) {
		l.send(wire.TypeFileAck, wire.FileAck{
			TransferID:  header.TransferID,
			ChunkOffset: header.ChunkOffset,
			ErrorCode:   kind,
		})
	}

	if wire.Checksum(data) != header.ChunkChecksum {
		e.log.WithFields(logrus.Fields{
			"transfer_id": header.TransferID,
			"offset":      header.ChunkOffset,
		}).Warn("chunk checksum mismatch")
		nack(models.ErrChecksumMismatch)
		return
	}

	if l.encrypted {
		plain, err := e.m.opts.Cipher.Open(data)
		if err != nil {
			nack(models.ErrChecksumMismatch)
			return
		}
		data = plain
	}

	in.mu.Lock()
	if header.ChunkOffset+int64(len(data)) > in.expected {
		in.mu.Unlock()
		nack(models.ErrInvalidRequest)
		return
	}
	if _, err := in.file.WriteAt(data, header.ChunkOffset); err != nil {
		in.mu.Unlock()
		e.log.WithError(err).Warn("chunk write failed")
		nack(models.ErrInsufficientSpace)
		return
	}
	if _, seen := in.written[header.ChunkOffset]; !seen {
		in.written[header.ChunkOffset] = struct{}{}
		in.received += int64(len(data))
		e.totalReceived.Add(int64(len(data)))
	}
	received := in.received
	in.mu.Unlock()

	l.send(wire.TypeFileAck, wire.FileAck{
		TransferID:    header.TransferID,
		ChunkOffset:   header.ChunkOffset,
		ChunkReceived: true,
	})
	e.reportProgress(l.sessionID, received)
}

// handleAck routes a chunk ack back to the sending goroutine.
func (e *TransferEngine) handleAck(l *link, payload []byte) {
	var ack wire.FileAck
	if err := wire.DecodePayload(payload, &ack); err != nil {
		return
	}
	if out := e.outboundFor(l.sessionID); out != nil {
		out.push(sendEvent{kind: evAck, ack: ack})
	}
}

// handleControl applies a peer-initiated pause/resume/cancel.
func (e *TransferEngine) handleControl(l *link, payload []byte) {
	var control wire.TransferControl
	if err := wire.DecodePayload(payload, &control); err != nil {
		return
	}

	if out := e.outboundFor(l.sessionID); out != nil {
		out.push(sendEvent{kind: evControl, control: control})
		return
	}

	in := e.inboundFor(l.sessionID)
	if in == nil || in.transferID != control.TransferID {
		return
	}

	switch control.NewStatus {
	case models.StatusPaused:
		// Chunks already in flight are still accepted and acked; the session
		// table carries the pause state, the sender's loop is the flow
		// control point.
		e.m.table.SetStatus(l.sessionID, models.StatusPaused)
		e.log.WithField("transfer_id", in.transferID).Info("peer paused transfer")

	case models.StatusTransferring:
		e.m.table.SetStatus(l.sessionID, models.StatusTransferring)
		e.log.WithField("transfer_id", in.transferID).Info("peer resumed transfer")

	case models.StatusCancelled:
		e.closeInbound(in)
		e.failSession(l.sessionID, models.ErrTransferCancelled, "peer cancelled transfer")
	}
}

// handleComplete finalizes a received file: size check, whole-file hash
// verification, then the atomic rename that drops the part suffix.
func (e *TransferEngine) handleComplete(l *link, payload []byte) {
	var complete wire.TransferComplete
	if err := wire.DecodePayload(payload, &complete); err != nil {
		return
	}

	in := e.inboundFor(l.sessionID)
	if in == nil || in.transferID != complete.TransferID {
		return
	}

	if !complete.Success {
		kind := complete.ErrorCode
		if kind == models.ErrNone {
			kind = models.ErrTransferCancelled
		}
		e.closeInbound(in)
		e.failSession(l.sessionID, kind, "sender aborted transfer")
		return
	}

	in.mu.Lock()
	received := in.received
	in.mu.Unlock()

	if received != in.expected {
		e.closeInbound(in)
		e.failSession(l.sessionID, models.ErrProtocolError,
			fmt.Sprintf("transfer complete with %d of %d bytes", received, in.expected))
		return
	}

	e.closeInbound(in)

	hash, err := wire.FileHash(in.partPath)
	if err != nil {
		e.failSession(l.sessionID, models.ErrFileAccessDenied, "cannot hash received file")
		return
	}
	if hash != complete.FileHash {
		e.log.WithFields(logrus.Fields{
			"transfer_id": in.transferID,
			"file":        in.info.Name,
		}).Warn("whole-file hash mismatch")
		e.failSession(l.sessionID, models.ErrChecksumMismatch, "received file failed hash verification")
		return
	}

	target := uniquePath(in.finalPath)
	if err := os.Rename(in.partPath, target); err != nil {
		e.failSession(l.sessionID, models.ErrFileAccessDenied, "cannot finalize received file")
		return
	}

	e.m.table.SetStatus(l.sessionID, models.StatusCompleted)
	e.log.WithFields(logrus.Fields{
		"transfer_id": in.transferID,
		"file":        target,
		"bytes":       in.expected,
	}).Info("file received")
	if cb := e.m.opts.Callbacks.Complete; cb != nil {
		cb(l.sessionID, true, models.ErrNone)
	}
}

// handleErrorMessage reacts to a peer-reported protocol error.
func (e *TransferEngine) handleErrorMessage(l *link, payload []byte) {
	var msg wire.ErrorMessage
	if err := wire.DecodePayload(payload, &msg); err != nil {
		return
	}
	e.log.WithFields(logrus.Fields{
		"device_id":  l.device.DeviceID,
		"error_kind": msg.ErrorCode.String(),
		"message":    msg.Message,
	}).Warn("peer reported error")

	if out := e.outboundFor(l.sessionID); out != nil {
		out.signalAbort(msg.ErrorCode)
		return
	}
	if in := e.inboundFor(l.sessionID); in != nil {
		e.closeInbound(in)
		e.failSession(l.sessionID, msg.ErrorCode, msg.Message)
	}
}

// abortForSession kills any transfer on a dying connection. Partial receive
// data stays on disk so the transfer can resume on a fresh connection.
func (e *TransferEngine) abortForSession(sessionID uint32, kind models.ErrKind) {
	if kind == models.ErrNone {
		kind = models.ErrTransferCancelled
	}

	if out := e.outboundFor(sessionID); out != nil {
		out.signalAbort(kind)
	}
	if in := e.inboundFor(sessionID); in != nil {
		e.closeInbound(in)
		e.failSession(sessionID, kind, "connection lost during transfer")
	}
}

// outboundDone returns the completion channel of the session's outbound
// queue, or nil when none is running. Teardown waits on it so the session
// snapshot is still available when the Complete callback fires.
func (e *TransferEngine) outboundDone(sessionID uint32) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if out, ok := e.outbound[sessionID]; ok {
		return out.done
	}
	return nil
}

func (e *TransferEngine) outboundFor(sessionID uint32) *outboundTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound[sessionID]
}

func (e *TransferEngine) inboundFor(sessionID uint32) *inboundTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbound[sessionID]
}

// closeInbound closes the part file and unregisters the transfer. The part
// file is never deleted here; leftovers are resume material.
func (e *TransferEngine) closeInbound(in *inboundTransfer) {
	in.mu.Lock()
	if in.file != nil {
		in.file.Close()
		in.file = nil
	}
	in.mu.Unlock()

	e.mu.Lock()
	if e.inbound[in.sessionID] == in {
		delete(e.inbound, in.sessionID)
	}
	delete(e.byTransfer, in.transferID)
	e.mu.Unlock()
}

// uniquePath returns path, or a numbered variant when path already exists.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
