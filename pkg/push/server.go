// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package push

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/ota"
)

// Server is the device side of a push. It stages received images through an
// ota.Images staging area.
type Server struct {
	images    *ota.Images
	logger    zerolog.Logger
	username  string
	password  string
	chunkSize int
	timeout   time.Duration
	accept    func() error
	staged    func(ota.Manifest)

	upgrader websocket.Upgrader
	busy     atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCredentials requires HTTP Basic auth.
func WithCredentials(username, password string) ServerOption {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithServerTimeout bounds each wait for a host message.
func WithServerTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithAcceptCheck sets a check run before an offer replaces the staged image.
// A non-nil error rejects the offer.
func WithAcceptCheck(fn func() error) ServerOption {
	return func(s *Server) {
		s.accept = fn
	}
}

// WithStagedHook sets a callback run after an image is staged.
func WithStagedHook(fn func(ota.Manifest)) ServerOption {
	return func(s *Server) {
		s.staged = fn
	}
}

// NewServer creates a Server staging into images.
func NewServer(images *ota.Images, opts ...ServerOption) *Server {
	s := &Server{
		images:    images,
		logger:    zerolog.Nop(),
		chunkSize: MaxChunkSize,
		timeout:   DefaultTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxChunkSize + 64,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs one push session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="tachlink"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	if !s.busy.CompareAndSwap(false, true) {
		log.Warn().Msg("rejecting push: another push in progress")
		writeMessage(conn, MsgAborted, abortMessage(ErrBusy.Error()))
		return
	}
	defer s.busy.Store(false)

	m, err := s.session(conn, log)
	if err != nil {
		log.Warn().Err(err).Msg("push failed")
		return
	}
	log.Info().Str("version", m.Version).Uint32("size", m.Size).Msgf("image staged, digest 0x%08X", m.Digest)
	if s.staged != nil {
		s.staged(m)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

func (s *Server) reject(conn *websocket.Conn, err error) error {
	writeMessage(conn, MsgAborted, abortMessage(err.Error()))
	return err
}

func (s *Server) session(conn *websocket.Conn, log zerolog.Logger) (ota.Manifest, error) {
	msg, err := readMessage(conn, s.timeout)
	if err != nil {
		return ota.Manifest{}, fmt.Errorf("read offer: %w", err)
	}
	if msg.Type != MsgOffer {
		return ota.Manifest{}, s.reject(conn, fmt.Errorf("%w: %s before OFFER", ErrUnexpectedMessage, TypeName(msg.Type)))
	}
	manifest, err := parseOffer(msg)
	if err != nil {
		return ota.Manifest{}, s.reject(conn, err)
	}
	if manifest.Size > ota.MaxImageSize {
		return ota.Manifest{}, s.reject(conn, fmt.Errorf("%w: %d bytes, limit %d", ota.ErrImageTooLarge, manifest.Size, ota.MaxImageSize))
	}
	if s.accept != nil {
		if err := s.accept(); err != nil {
			return ota.Manifest{}, s.reject(conn, err)
		}
	}

	log.Info().Str("version", manifest.Version).Uint32("size", manifest.Size).Msgf("offer received, digest 0x%08X", manifest.Digest)

	st, err := s.images.Begin(manifest, s.chunkSize)
	if err != nil {
		return ota.Manifest{}, s.reject(conn, err)
	}
	finished := false
	defer func() {
		if !finished {
			log.Info().Uint32("received", st.Transfer().Received()).Msg("discarding partial image")
			st.Abort()
		}
	}()

	if err := writeMessage(conn, MsgVerified, map[int]interface{}{KeyChunkSize: uint64(s.chunkSize)}); err != nil {
		return ota.Manifest{}, err
	}
	if err := writeMessage(conn, MsgReady, map[int]interface{}{KeySeq: uint64(0)}); err != nil {
		return ota.Manifest{}, err
	}

	for {
		msg, err := readMessage(conn, s.timeout)
		if err != nil {
			return ota.Manifest{}, fmt.Errorf("transfer interrupted: %w", err)
		}

		switch msg.Type {
		case MsgChunk:
			seq, ok := msg.Uint(KeySeq)
			data, _ := msg.Bytes(KeyData)
			if !ok || seq > 0xFFFF {
				return ota.Manifest{}, s.reject(conn, errors.New("chunk without valid sequence"))
			}
			if err := st.Write(uint16(seq), data); err != nil {
				return ota.Manifest{}, s.reject(conn, err)
			}
			next := uint64(st.Transfer().NextSeq())
			if err := writeMessage(conn, MsgReady, map[int]interface{}{KeySeq: next}); err != nil {
				return ota.Manifest{}, err
			}

		case MsgCommit:
			finished = true
			m, err := st.Commit()
			if err != nil {
				return ota.Manifest{}, s.reject(conn, err)
			}
			done := map[int]interface{}{
				KeySize:    uint64(m.Size),
				KeyDigest:  uint64(m.Digest),
				KeyVersion: m.Version,
			}
			if err := writeMessage(conn, MsgDone, done); err != nil {
				log.Debug().Err(err).Msg("send done")
			}
			return m, nil

		case MsgAborted:
			return ota.Manifest{}, fmt.Errorf("host aborted: %s", abortReason(msg))

		default:
			return ota.Manifest{}, s.reject(conn, fmt.Errorf("%w: %s during transfer", ErrUnexpectedMessage, TypeName(msg.Type)))
		}
	}
}
