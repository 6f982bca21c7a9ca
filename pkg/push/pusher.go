// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package push

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/ota"
)

// Phase is the host's position in a push.
type Phase uint8

const (
	PhaseConnecting Phase = iota
	PhaseOffering
	PhaseTransferring
	PhaseCommitting
	PhaseDone
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseOffering:
		return "offering"
	case PhaseTransferring:
		return "transferring"
	case PhaseCommitting:
		return "committing"
	case PhaseDone:
		return "done"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Progress reports a push's phase and bytes acknowledged by the device.
type Progress struct {
	Phase Phase
	Sent  uint32
	Total uint32
}

// Pusher is the host side of a push.
type Pusher struct {
	username   string
	password   string
	skipVerify bool
	timeout    time.Duration
	logger     zerolog.Logger
	progress   func(Progress)
}

// PushOption configures a Pusher.
type PushOption func(*Pusher)

// WithAuth sets HTTP Basic auth credentials.
func WithAuth(username, password string) PushOption {
	return func(p *Pusher) {
		p.username = username
		p.password = password
	}
}

// WithInsecureSkipVerify skips TLS certificate verification for wss:// URLs.
func WithInsecureSkipVerify(skip bool) PushOption {
	return func(p *Pusher) {
		p.skipVerify = skip
	}
}

// WithTimeout bounds the handshake and each wait for a device message.
func WithTimeout(d time.Duration) PushOption {
	return func(p *Pusher) {
		p.timeout = d
	}
}

// WithPushLogger sets the logger.
func WithPushLogger(logger zerolog.Logger) PushOption {
	return func(p *Pusher) {
		p.logger = logger
	}
}

// WithProgress sets a progress callback.
func WithProgress(fn func(Progress)) PushOption {
	return func(p *Pusher) {
		p.progress = fn
	}
}

// NewPusher creates a Pusher.
func NewPusher(opts ...PushOption) *Pusher {
	p := &Pusher{
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pusher) report(phase Phase, sent uint32, img *Image) {
	if p.progress != nil {
		p.progress(Progress{Phase: phase, Sent: sent, Total: img.Manifest.Size})
	}
}

// dial opens the control channel with optional HTTP Basic auth.
func (p *Pusher) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: p.timeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: p.skipVerify,
		}
	}

	headers := http.Header{}
	if p.username != "" && p.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(p.username + ":" + p.password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// Push delivers img to the device at wsURL and returns the manifest the device
// staged. Device rejections are returned as *RejectedError and connection
// failures as *ConnectError.
func (p *Pusher) Push(ctx context.Context, wsURL string, img *Image) (ota.Manifest, error) {
	p.report(PhaseConnecting, 0, img)
	conn, err := p.dial(ctx, wsURL)
	if err != nil {
		return ota.Manifest{}, &ConnectError{URL: wsURL, Err: err}
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	m, err := p.push(conn, img)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		p.report(PhaseAborted, 0, img)
		var rejected *RejectedError
		if !errors.As(err, &rejected) && !errors.Is(err, context.Canceled) {
			writeMessage(conn, MsgAborted, abortMessage(err.Error()))
		}
		return ota.Manifest{}, err
	}
	p.report(PhaseDone, img.Manifest.Size, img)
	return m, nil
}

func (p *Pusher) push(conn *websocket.Conn, img *Image) (ota.Manifest, error) {
	p.report(PhaseOffering, 0, img)
	p.logger.Info().Str("version", img.Manifest.Version).Uint32("size", img.Manifest.Size).
		Msgf("offering image, digest 0x%08X", img.Manifest.Digest)
	if err := writeMessage(conn, MsgOffer, img.offer()); err != nil {
		return ota.Manifest{}, err
	}

	msg, err := p.expect(conn, PhaseOffering, MsgVerified)
	if err != nil {
		return ota.Manifest{}, err
	}
	chunkSize := MaxChunkSize
	if size, ok := msg.Uint(KeyChunkSize); ok && size > 0 && size < MaxChunkSize {
		chunkSize = int(size)
	}
	total := img.Chunks(chunkSize)

	p.report(PhaseTransferring, 0, img)
	for {
		msg, err := p.expect(conn, PhaseTransferring, MsgReady)
		if err != nil {
			return ota.Manifest{}, err
		}
		seq, _ := msg.Uint(KeySeq)
		sent := min(uint64(img.Manifest.Size), seq*uint64(chunkSize))
		p.report(PhaseTransferring, uint32(sent), img)
		if int(seq) >= total {
			break
		}

		chunk := map[int]interface{}{
			KeySeq:  seq,
			KeyData: img.Chunk(int(seq), chunkSize),
		}
		if err := writeMessage(conn, MsgChunk, chunk); err != nil {
			return ota.Manifest{}, err
		}
	}

	p.report(PhaseCommitting, img.Manifest.Size, img)
	if err := writeMessage(conn, MsgCommit, nil); err != nil {
		return ota.Manifest{}, err
	}
	msg, err = p.expect(conn, PhaseCommitting, MsgDone)
	if err != nil {
		return ota.Manifest{}, err
	}

	staged := img.Manifest
	if digest, ok := msg.Uint(KeyDigest); ok && uint32(digest) != staged.Digest {
		return ota.Manifest{}, fmt.Errorf("%w: device staged 0x%08X", ota.ErrDigestMismatch, digest)
	}
	p.logger.Info().Str("version", staged.Version).Msg("image staged on device")
	return staged, nil
}

// expect reads the next message and requires type want. ABORTED becomes a
// RejectedError.
func (p *Pusher) expect(conn *websocket.Conn, phase Phase, want uint8) (Message, error) {
	msg, err := readMessage(conn, p.timeout)
	if err != nil {
		return Message{}, fmt.Errorf("waiting for %s: %w", TypeName(want), err)
	}
	switch msg.Type {
	case want:
		return msg, nil
	case MsgAborted:
		return Message{}, &RejectedError{Phase: phase, Reason: abortReason(msg)}
	default:
		return Message{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, TypeName(msg.Type), TypeName(want))
	}
}
