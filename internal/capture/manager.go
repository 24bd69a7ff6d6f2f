package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"

	"github.com/nao1215/torlab/internal/database"
	"github.com/nao1215/torlab/internal/metrics"
	"github.com/nao1215/torlab/internal/model"
)

const (
	// pcapFileHeaderLen and pcapRecordHeaderLen are the classic libpcap
	// header sizes.
	pcapFileHeaderLen   = 24
	pcapRecordHeaderLen = 16

	defaultCheckInterval = time.Second
)

// Store is the persistence the manager needs.
type Store interface {
	GetNetwork(ctx context.Context, id string) (*model.TorNetwork, error)
	GetNode(ctx context.Context, id string) (*model.TorNode, error)
	InsertCapture(ctx context.Context, c *model.TrafficCapture) error
	UpdateCapture(ctx context.Context, c *model.TrafficCapture) error
	RotateCapture(ctx context.Context, old, successor *model.TrafficCapture) error
	GetCapture(ctx context.Context, id string) (*model.TrafficCapture, error)
	ListCaptures(ctx context.Context, f model.CaptureFilter) ([]*model.TrafficCapture, error)
}

// Manager starts, rotates and stops captures.
type Manager struct {
	store   Store
	source  Source
	dir     string
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	maxSizeMB      int
	rotateInterval time.Duration
	checkInterval  time.Duration

	mu       sync.Mutex
	sessions map[string]*session // by node id
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithLimits sets the rotation limits used when a network does not set
// its own. Zero disables that limit.
func WithLimits(maxSizeMB int, rotateInterval time.Duration) Option {
	return func(m *Manager) {
		m.maxSizeMB = maxSizeMB
		m.rotateInterval = rotateInterval
	}
}

// WithCheckInterval sets how often a session checks its rotate interval.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager writing capture files under dir.
func NewManager(store Store, source Source, dir string, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		source:        source,
		dir:           dir,
		logger:        slog.Default(),
		now:           time.Now,
		checkInterval: defaultCheckInterval,
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// session is one capture stream, possibly spanning several rotated files.
type session struct {
	network *model.TorNetwork
	node    *model.TorNode
	stream  io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}

	maxBytes       int64
	rotateInterval time.Duration

	// current is guarded by Manager.mu.
	current *model.TrafficCapture
}

// output is the open file of the current capture.
type output struct {
	file   *os.File
	hasher hash.Hash
	writer *pcapgo.Writer
	size   int64
}

func (m *Manager) filePath(network *model.TorNetwork, node *model.TorNode, id string, at time.Time) string {
	name := fmt.Sprintf("%s-%s-%s.pcap", node.Name, at.UTC().Format("20060102T150405"), id[:8])
	return filepath.Join(m.dir, network.Slug, name)
}

func (m *Manager) newCapture(network *model.TorNetwork, node *model.TorNode, filter string, typ model.CaptureType, at time.Time) *model.TrafficCapture {
	id := uuid.NewString()
	return &model.TrafficCapture{
		ID:        id,
		NodeID:    node.ID,
		NetworkID: network.ID,
		Type:      typ,
		Filter:    filter,
		FilePath:  m.filePath(network, node, id, at),
		Status:    model.CaptureRecording,
		StartedAt: at,
	}
}

// Start begins recording on a node. A node that is already recording is
// refused with ErrAlreadyRecording.
func (m *Manager) Start(ctx context.Context, nodeID, filter string, typ model.CaptureType) (*model.TrafficCapture, error) {
	node, err := m.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	network, err := m.store.GetNetwork(ctx, node.NetworkID)
	if err != nil {
		return nil, err
	}
	if typ == "" {
		typ = model.CaptureManual
	}
	if filter == "" {
		filter = network.Capture.Filter
	}

	c := m.newCapture(network, node, filter, typ, m.now())
	// The stream outlives the request that started it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	if _, ok := m.sessions[nodeID]; ok {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRecording, node.Name)
	}
	// Reserve the slot so a concurrent Start is refused and a Stop can
	// cancel this one while it opens the stream.
	s := &session{network: network, node: node, cancel: cancel, done: make(chan struct{}), current: c}
	s.maxBytes, s.rotateInterval = m.limits(network)
	m.sessions[nodeID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.store.InsertCapture(ctx, c); err != nil {
		m.abandon(s)
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRecording, node.Name)
		}
		return nil, err
	}

	stream, err := m.source.Open(streamCtx, network, node, filter)
	if streamCtx.Err() != nil {
		// Stopped while the stream was opening.
		if stream != nil {
			_ = stream.Close()
		}
		m.mu.Lock()
		c.Status = model.CaptureCompleted
		c.StoppedAt = m.now()
		final := *c
		m.mu.Unlock()
		err := m.store.UpdateCapture(context.WithoutCancel(ctx), &final)
		m.abandon(s)
		if err != nil {
			return nil, err
		}
		m.logger.Info("capture stopped before its stream opened", "capture", c.ID, "node", node.Name)
		return &final, nil
	}
	if err != nil {
		m.fail(ctx, c, err)
		m.abandon(s)
		return nil, err
	}

	m.mu.Lock()
	s.stream = stream
	out := *c
	m.mu.Unlock()

	m.metrics.CaptureStarted()
	go m.record(streamCtx, s)

	m.logger.Info("capture started", "capture", c.ID, "node", node.Name, "type", typ, "filter", filter)
	return &out, nil
}

// abandon ends a session that never reached record.
func (m *Manager) abandon(s *session) {
	defer m.wg.Done()
	s.cancel()
	m.release(s.node.ID, s)
	close(s.done)
}

func (m *Manager) limits(network *model.TorNetwork) (int64, time.Duration) {
	sizeMB := network.Capture.MaxCaptureSizeMB
	if sizeMB == 0 {
		sizeMB = m.maxSizeMB
	}
	interval := network.Capture.CaptureRotateInterval
	if interval == 0 {
		interval = m.rotateInterval
	}
	return int64(sizeMB) * 1024 * 1024, interval
}

func (m *Manager) release(nodeID string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[nodeID] == s {
		delete(m.sessions, nodeID)
	}
}

// fail marks c as failed. The node is left alone.
func (m *Manager) fail(ctx context.Context, c *model.TrafficCapture, cause error) {
	c.Status = model.CaptureError
	c.ErrorMessage = cause.Error()
	if c.StoppedAt.IsZero() {
		c.StoppedAt = m.now()
	}
	if err := m.store.UpdateCapture(context.WithoutCancel(ctx), c); err != nil {
		m.logger.Error("failed to record capture error", "capture", c.ID, "error", err)
	}
	m.metrics.ObserveCaptureFailure(c.NetworkID)
	m.logger.Warn("capture failed", "capture", c.ID, "error", cause)
}

type packet struct {
	ci   gopacket.CaptureInfo
	data []byte
}

// record copies the stream into capture files until the stream ends or
// the session is cancelled.
func (m *Manager) record(ctx context.Context, s *session) {
	defer m.wg.Done()
	defer close(s.done)
	defer m.release(s.node.ID, s)
	defer s.cancel()
	defer s.stream.Close()

	reader, err := pcapgo.NewReader(s.stream)
	if err != nil {
		m.finish(s, nil, fmt.Errorf("%w: read pcap header: %w", ErrCaptureWrite, err))
		return
	}
	snaplen, link := reader.Snaplen(), reader.LinkType()

	out, err := m.open(s.current.FilePath, snaplen, link)
	if err != nil {
		m.finish(s, nil, err)
		return
	}

	packets := make(chan packet, 64)
	go func() {
		defer close(packets)
		for {
			data, ci, err := reader.ReadPacketData()
			if err != nil {
				return
			}
			select {
			case packets <- packet{ci: ci, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case p, ok := <-packets:
			if !ok {
				// Stream ended: the node stopped or tcpdump exited.
				m.finish(s, out, nil)
				return
			}
			if err := out.write(p); err != nil {
				m.finish(s, out, fmt.Errorf("%w: %w", ErrCaptureWrite, err))
				return
			}
			m.count(s, p)
			if s.maxBytes > 0 && out.size >= s.maxBytes {
				if out, err = m.rotate(s, out, snaplen, link, "size"); err != nil {
					m.finish(s, out, err)
					return
				}
			}
		case <-ticker.C:
			if s.rotateInterval > 0 && m.now().Sub(m.currentCapture(s).StartedAt) >= s.rotateInterval {
				if out, err = m.rotate(s, out, snaplen, link, "interval"); err != nil {
					m.finish(s, out, err)
					return
				}
			}
		case <-ctx.Done():
			m.finish(s, out, nil)
			return
		}
	}
}

func (m *Manager) currentCapture(s *session) *model.TrafficCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.current
}

func (m *Manager) count(s *session, p packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.current.PacketCount++
	s.current.ByteCount += int64(p.ci.CaptureLength)
}

func (m *Manager) open(path string, snaplen uint32, link layers.LinkType) (*output, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureWrite, err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureWrite, err)
	}
	h := sha256.New()
	o := &output{file: f, hasher: h, writer: pcapgo.NewWriter(io.MultiWriter(f, h))}
	if snaplen == 0 {
		snaplen = 262144
	}
	if err := o.writer.WriteFileHeader(snaplen, link); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", ErrCaptureWrite, err)
	}
	o.size = pcapFileHeaderLen
	return o, nil
}

func (o *output) write(p packet) error {
	if err := o.writer.WritePacket(p.ci, p.data); err != nil {
		return err
	}
	o.size += pcapRecordHeaderLen + int64(len(p.data))
	return nil
}

// close closes the file and returns its size and hash.
func (o *output) close() (int64, string, error) {
	err := o.file.Close()
	return o.size, hex.EncodeToString(o.hasher.Sum(nil)), err
}

// rotate completes the current capture and continues into a successor
// with the same node, filter and type. The successor starts at the exact
// instant the predecessor stops.
func (m *Manager) rotate(s *session, out *output, snaplen uint32, link layers.LinkType, trigger string) (*output, error) {
	at := m.now()
	old := m.currentCapture(s)
	next := m.newCapture(s.network, s.node, old.Filter, old.Type, at)
	next.PredecessorID = old.ID

	nextOut, err := m.open(next.FilePath, snaplen, link)
	if err != nil {
		return out, err
	}
	size, sum, err := out.close()
	if err != nil {
		_, _, _ = nextOut.close()
		return nil, fmt.Errorf("%w: %w", ErrCaptureWrite, err)
	}

	m.mu.Lock()
	done := *old
	m.mu.Unlock()
	done.Status = model.CaptureCompleted
	done.StoppedAt = at
	done.FileSize = size
	done.FileHash = sum

	if err := m.store.RotateCapture(context.Background(), &done, next); err != nil {
		_, _, _ = nextOut.close()
		_ = os.Remove(next.FilePath)
		return nil, fmt.Errorf("%w: rotate: %w", ErrCaptureWrite, err)
	}

	m.mu.Lock()
	*old = done
	s.current = next
	m.mu.Unlock()

	m.metrics.ObserveRotation(trigger)
	m.metrics.CaptureFinished(done.NetworkID, size)
	m.metrics.CaptureStarted()
	m.logger.Info("capture rotated", "capture", done.ID, "successor", next.ID, "trigger", trigger, "size", size)
	return nextOut, nil
}

// finish finalizes the current capture: completed on a clean end, error
// when cause is set.
func (m *Manager) finish(s *session, out *output, cause error) {
	c := m.currentCapture(s)

	m.mu.Lock()
	final := *c
	m.mu.Unlock()
	final.StoppedAt = m.now()

	var size int64
	if out != nil {
		var sum string
		var err error
		size, sum, err = out.close()
		final.FileSize = size
		final.FileHash = sum
		if err != nil && cause == nil {
			cause = fmt.Errorf("%w: %w", ErrCaptureWrite, err)
		}
	}
	m.metrics.CaptureFinished(final.NetworkID, size)

	if cause != nil {
		m.mu.Lock()
		*c = final
		m.mu.Unlock()
		m.fail(context.Background(), c, cause)
		return
	}

	final.Status = model.CaptureCompleted
	if err := m.store.UpdateCapture(context.Background(), &final); err != nil {
		m.logger.Error("failed to complete capture", "capture", final.ID, "error", err)
	}
	m.mu.Lock()
	*c = final
	m.mu.Unlock()
	m.logger.Info("capture completed", "capture", final.ID, "size", size, "packets", final.PacketCount)
}

// Stop finalizes a recording capture and returns the stored record.
func (m *Manager) Stop(ctx context.Context, id string) (*model.TrafficCapture, error) {
	c, err := m.store.GetCapture(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CaptureRecording {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRecording, id, c.Status)
	}

	m.mu.Lock()
	s, ok := m.sessions[c.NodeID]
	if ok && s.current.ID != id {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		// No live session, e.g. after a controller restart: settle the
		// record from the file on disk.
		return m.settle(ctx, c)
	}

	// A session that is still opening its stream is cancelled too; Start
	// completes the record before done closes.
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.store.GetCapture(ctx, id)
}

// settle completes a recording capture that has no live session.
func (m *Manager) settle(ctx context.Context, c *model.TrafficCapture) (*model.TrafficCapture, error) {
	c.StoppedAt = m.now()
	c.Status = model.CaptureCompleted
	size, sum, err := hashFile(c.FilePath)
	if err != nil {
		c.Status = model.CaptureError
		c.ErrorMessage = err.Error()
	}
	c.FileSize, c.FileHash = size, sum
	if err := m.store.UpdateCapture(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// StopNode stops the recording capture of a node, if any.
func (m *Manager) StopNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	s, ok := m.sessions[nodeID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopNetwork stops every recording capture of a network.
func (m *Manager) StopNetwork(ctx context.Context, networkID string) error {
	m.mu.Lock()
	var nodes []string
	for nodeID, s := range m.sessions {
		if s.network.ID == networkID {
			nodes = append(nodes, nodeID)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, nodeID := range nodes {
		if err := m.StopNode(ctx, nodeID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recording reports whether a node has a live capture session.
func (m *Manager) Recording(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[nodeID]
	return ok
}

// Download opens the capture file for reading.
func (m *Manager) Download(ctx context.Context, id string) (*model.TrafficCapture, io.ReadCloser, error) {
	c, err := m.store.GetCapture(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Clean(c.FilePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrFileMissing, c.FilePath)
		}
		return nil, nil, err
	}
	return c, f, nil
}

// Delete marks a capture deleted, stopping it first when it is still
// recording. purge also removes the file.
func (m *Manager) Delete(ctx context.Context, id string, purge bool) (*model.TrafficCapture, error) {
	c, err := m.store.GetCapture(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CaptureRecording {
		if c, err = m.Stop(ctx, id); err != nil {
			return nil, err
		}
	}
	c.Status = model.CaptureDeleted
	if err := m.store.UpdateCapture(ctx, c); err != nil {
		return nil, err
	}
	if purge {
		if err := os.Remove(c.FilePath); err != nil && !os.IsNotExist(err) {
			return c, fmt.Errorf("failed to remove capture file: %w", err)
		}
	}
	m.logger.Info("capture deleted", "capture", id, "purge", purge)
	return c, nil
}

// List returns captures matching f.
func (m *Manager) List(ctx context.Context, f model.CaptureFilter) ([]*model.TrafficCapture, error) {
	return m.store.ListCaptures(ctx, f)
}

// RemoveFiles deletes every capture file of a network, including soft
// deleted ones, and the network's capture directory.
func (m *Manager) RemoveFiles(ctx context.Context, network *model.TorNetwork) error {
	caps, err := m.store.ListCaptures(ctx, model.CaptureFilter{NetworkID: network.ID, IncludeDeleted: true})
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range caps {
		if err := os.Remove(c.FilePath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(m.dir, network.Slug)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close stops every session and waits for them to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
