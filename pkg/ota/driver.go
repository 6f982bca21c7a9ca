// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// DriverMode is the master-side update mode.
type DriverMode uint8

const (
	// DriverWatching runs normal control exchanges with a periodic status poll.
	DriverWatching DriverMode = iota
	// DriverEngaged exchanges only OTA control packets.
	DriverEngaged
	// DriverBulk streams the image in bulk-size exchanges.
	DriverBulk
)

func (m DriverMode) String() string {
	switch m {
	case DriverWatching:
		return "WATCHING"
	case DriverEngaged:
		return "ENGAGED"
	case DriverBulk:
		return "BULK"
	default:
		return "UNKNOWN"
	}
}

// Driver defaults
const (
	DefaultPollInterval = 5 * time.Second
	DefaultReplyTimeout = time.Second
	DefaultChunkRetries = 3
)

// Progress reports the master's streaming progress.
type Progress struct {
	Mode  DriverMode
	Sent  uint32
	Total uint32
}

// Outcome is the result of one update attempt driven by the master.
type Outcome struct {
	Manifest Manifest
	Done     bool
	Err      error
	At       time.Time
}

type sentKind uint8

const (
	sentNone sentKind = iota
	sentPoll
	sentGetInfo
	sentStartBulk
	sentAbort
	sentChunk
	sentBulkPoll
	sentDone
	sentResultPoll
	sentBulkAbort
)

type bulkStage uint8

const (
	stageStream bulkStage = iota
	stageConfirm
	stageFinish
	stageResult
	stageAbort
)

// Driver runs the master side of the update protocol. Next supplies the frame
// for each exchange (or none, for a normal control exchange) and Observe
// consumes the reply. Replies lag one exchange: the reply to a frame reflects
// the slave's state before it saw that frame.
//
// Driver is not safe for concurrent use.
type Driver struct {
	images *Images
	config DriverConfig

	mode     DriverMode
	lastPoll time.Time
	lastOTA  time.Time
	sent     sentKind
	sentSeq  int

	manifest       Manifest
	total          int
	cursor         int
	stage          bulkStage
	infoSent       bool
	startBulkQueue bool
	abortQueue     error
	rewindSeq      int
	rewinds        int
	resultPolls    int
	buf            []byte

	outcome *Outcome
}

// DriverConfig holds Driver configuration.
type DriverConfig struct {
	Logger       zerolog.Logger
	PollInterval time.Duration
	ReplyTimeout time.Duration
	ChunkRetries int
	Progress     func(Progress)
}

// DriverOption configures a Driver.
type DriverOption func(*DriverConfig)

// WithDriverLogger sets the logger.
func WithDriverLogger(logger zerolog.Logger) DriverOption {
	return func(c *DriverConfig) {
		c.Logger = logger
	}
}

// WithPollInterval sets how often the slave is polled while watching.
func WithPollInterval(d time.Duration) DriverOption {
	return func(c *DriverConfig) {
		c.PollInterval = d
	}
}

// WithReplyTimeout sets how long the driver waits for a valid OTA reply
// before giving up.
func WithReplyTimeout(d time.Duration) DriverOption {
	return func(c *DriverConfig) {
		c.ReplyTimeout = d
	}
}

// WithProgress sets a callback for streaming progress.
func WithProgress(fn func(Progress)) DriverOption {
	return func(c *DriverConfig) {
		c.Progress = fn
	}
}

// NewDriver creates a Driver streaming images from images.
func NewDriver(images *Images, opts ...DriverOption) *Driver {
	config := DriverConfig{
		Logger:       zerolog.Nop(),
		PollInterval: DefaultPollInterval,
		ReplyTimeout: DefaultReplyTimeout,
		ChunkRetries: DefaultChunkRetries,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Driver{
		images: images,
		config: config,
		buf:    make([]byte, linkproto.ChunkSize),
	}
}

// Mode returns the current mode.
func (d *Driver) Mode() DriverMode {
	return d.mode
}

// Active reports whether the driver owns the link.
func (d *Driver) Active() bool {
	return d.mode != DriverWatching
}

// Bulk reports whether the driver exchanges bulk-size frames.
func (d *Driver) Bulk() bool {
	return d.mode == DriverBulk
}

// Outcome returns the result of the last finished update attempt, if any.
func (d *Driver) Outcome() *Outcome {
	return d.outcome
}

// Next returns the frame to send in the next exchange. ok is false when the
// caller should send a normal control packet instead.
func (d *Driver) Next(now time.Time) (tx []byte, ok bool) {
	d.sent = sentNone

	switch d.mode {
	case DriverWatching:
		if !d.lastPoll.IsZero() && now.Sub(d.lastPoll) < d.config.PollInterval {
			return nil, false
		}
		d.lastPoll = now
		d.sent = sentPoll
		return linkproto.EncodeOtaControl(linkproto.OtaControl{Code: linkproto.CmdStatus}), true

	case DriverEngaged:
		return d.nextEngaged(), true

	default:
		tx, err := d.nextBulk()
		if err != nil {
			d.config.Logger.Error().Err(err).Msg("build bulk frame")
			d.queueAbort(err)
			tx, _ = linkproto.EncodeOtaBulk(linkproto.OtaBulk{Code: linkproto.CmdAbort})
			d.sent = sentBulkAbort
		}
		return tx, true
	}
}

func (d *Driver) nextEngaged() []byte {
	p := linkproto.OtaControl{Code: linkproto.CmdStatus}
	switch {
	case d.abortQueue != nil:
		p.Code = linkproto.CmdAbort
		d.sent = sentAbort
	case !d.infoSent:
		p.Code = linkproto.CmdGetInfo
		d.sent = sentGetInfo
	case d.startBulkQueue:
		p.Code = linkproto.CmdStartBulk
		p.Param = uint16(d.total)
		p.Size = d.manifest.Size
		p.Digest = d.manifest.Digest
		d.sent = sentStartBulk
	default:
		d.sent = sentPoll
	}
	return linkproto.EncodeOtaControl(p)
}

func (d *Driver) nextBulk() ([]byte, error) {
	var p linkproto.OtaBulk
	switch d.stage {
	case stageStream:
		data, err := d.images.ReadChunk(d.cursor, d.buf)
		if err != nil {
			return nil, err
		}
		p = linkproto.OtaBulk{Code: linkproto.CmdChunk, Seq: uint16(d.cursor), Data: data}
		d.sent = sentChunk
		d.sentSeq = d.cursor
	case stageConfirm:
		p.Code = linkproto.CmdStatus
		d.sent = sentBulkPoll
	case stageFinish:
		p.Code = linkproto.CmdDone
		d.sent = sentDone
	case stageResult:
		p.Code = linkproto.CmdStatus
		d.sent = sentResultPoll
	default:
		p.Code = linkproto.CmdAbort
		d.sent = sentBulkAbort
	}
	return linkproto.EncodeOtaBulk(p)
}

// Observe consumes the outcome of the exchange whose frame Next returned.
// f is the decoded reply when err is nil.
func (d *Driver) Observe(f linkproto.Frame, err error, now time.Time) {
	switch d.mode {
	case DriverWatching:
		if err == nil && f.Kind == linkproto.KindOtaControl {
			d.observeWatching(f.OtaControl, now)
		}
	case DriverEngaged:
		d.observeEngaged(f, err, now)
	case DriverBulk:
		d.observeBulk(f, err, now)
	}
}

func (d *Driver) observeWatching(p linkproto.OtaControl, now time.Time) {
	switch p.Code {
	case linkproto.StatusVerifyRequested, linkproto.StatusVerified:
		m, ok := d.images.Staged()
		if !ok {
			d.config.Logger.Warn().Msg("slave requested update but no image is staged")
			return
		}
		d.mode = DriverEngaged
		d.manifest = m
		d.total = ChunkCount(m.Size, linkproto.ChunkSize)
		d.lastOTA = now
		d.infoSent = false
		d.startBulkQueue = false
		d.abortQueue = nil
		if err := checkImageSize(m.Size); err != nil {
			// Engage only to cancel the slave's session.
			d.config.Logger.Warn().Err(err).Msg("staged image cannot be streamed")
			d.queueAbort(err)
			return
		}
		d.config.Logger.Info().Str("version", m.Version).Uint32("size", m.Size).Msg("engaging slave for update")
	case linkproto.StatusFwReady:
		d.config.Logger.Debug().Msg("slave reports firmware ready")
	}
}

func (d *Driver) observeEngaged(f linkproto.Frame, err error, now time.Time) {
	switch d.sent {
	case sentAbort:
		d.finish(now, false, d.abortQueue)
		return
	case sentStartBulk:
		if err != nil {
			// The slave may not have seen START_BULK; ask again.
			d.checkReplyTimeout(now)
			return
		}
		d.mode = DriverBulk
		d.stage = stageStream
		if d.total == 0 {
			d.stage = stageConfirm
		}
		d.cursor = 0
		d.rewinds = 0
		d.resultPolls = 0
		d.lastOTA = now
		d.report()
		return
	case sentGetInfo:
		// The reply was prepared before the slave saw GET_INFO.
		if err != nil {
			d.checkReplyTimeout(now)
			return
		}
		d.infoSent = true
		return
	}

	if err != nil || f.Kind != linkproto.KindOtaControl {
		if err == nil && f.Kind == linkproto.KindControl {
			d.finish(now, false, errors.New("slave left the update session"))
			return
		}
		d.checkReplyTimeout(now)
		return
	}
	d.lastOTA = now

	p := f.OtaControl
	switch p.Code {
	case linkproto.StatusVerifyRequested:
	case linkproto.StatusVerified:
		if p.Size != d.manifest.Size || p.Digest != d.manifest.Digest {
			d.queueAbort(fmt.Errorf("%w: slave has %d bytes 0x%08X, master %d bytes 0x%08X",
				ErrDigestMismatch, p.Size, p.Digest, d.manifest.Size, d.manifest.Digest))
			return
		}
		d.startBulkQueue = true
	default:
		d.finish(now, false, fmt.Errorf("slave reported %s", linkproto.FormatCode(p.Code)))
	}
}

func (d *Driver) observeBulk(f linkproto.Frame, err error, now time.Time) {
	if d.sent == sentBulkAbort {
		d.finish(now, false, d.abortQueue)
		return
	}
	if err != nil || f.Kind != linkproto.KindOtaBulk {
		if err == nil && f.Kind == linkproto.KindControl {
			d.finish(now, false, errors.New("slave left bulk mode"))
			return
		}
		d.checkReplyTimeout(now)
		return
	}
	d.lastOTA = now

	r := f.Bulk
	if r.Code == linkproto.StatusAborted {
		d.finish(now, false, errors.New("slave aborted the transfer"))
		return
	}

	switch d.sent {
	case sentChunk:
		if int(r.Seq) < d.sentSeq {
			d.rewind(int(r.Seq))
			return
		}
		d.cursor = d.sentSeq + 1
		if d.cursor >= d.total {
			d.stage = stageConfirm
		}
		d.report()
	case sentBulkPoll:
		if int(r.Seq) < d.total {
			d.rewind(int(r.Seq))
			return
		}
		d.stage = stageFinish
	case sentDone:
		d.stage = stageResult
	case sentResultPoll:
		if r.Code == linkproto.StatusDone {
			d.finish(now, true, nil)
			return
		}
		d.resultPolls++
		if d.resultPolls > d.config.ChunkRetries {
			d.finish(now, false, errors.New("slave did not report a result"))
		}
	}
}

func (d *Driver) rewind(seq int) {
	if seq == d.rewindSeq {
		d.rewinds++
	} else {
		d.rewindSeq = seq
		d.rewinds = 1
	}
	if d.rewinds > d.config.ChunkRetries {
		d.queueAbort(fmt.Errorf("chunk %d failed after %d retries", seq, d.config.ChunkRetries))
		return
	}
	d.config.Logger.Debug().Int("seq", seq).Int("retry", d.rewinds).Msg("rewinding")
	d.cursor = seq
	d.stage = stageStream
}

func (d *Driver) queueAbort(err error) {
	d.abortQueue = err
	if d.mode == DriverBulk {
		d.stage = stageAbort
	}
}

func (d *Driver) checkReplyTimeout(now time.Time) {
	if now.Sub(d.lastOTA) > d.config.ReplyTimeout {
		d.finish(now, false, fmt.Errorf("no reply from slave for %s", d.config.ReplyTimeout))
	}
}

func (d *Driver) finish(now time.Time, done bool, err error) {
	d.outcome = &Outcome{Manifest: d.manifest, Done: done, Err: err, At: now}
	if done {
		d.config.Logger.Info().Str("version", d.manifest.Version).Msg("update delivered")
	} else {
		d.config.Logger.Warn().Err(err).Msg("update attempt failed")
	}

	d.mode = DriverWatching
	d.lastPoll = now
	d.lastOTA = time.Time{}
	d.stage = stageStream
	d.infoSent = false
	d.startBulkQueue = false
	d.abortQueue = nil
	d.report()
}

func (d *Driver) report() {
	if d.config.Progress == nil {
		return
	}
	sent := uint32(d.cursor) * linkproto.ChunkSize
	if sent > d.manifest.Size {
		sent = d.manifest.Size
	}
	d.config.Progress(Progress{Mode: d.mode, Sent: sent, Total: d.manifest.Size})
}
