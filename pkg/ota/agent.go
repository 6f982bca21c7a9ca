// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

var errPeerReverted = errors.New("peer reverted to control packets")

// Agent runs the slave side of the update protocol on the link. Replies lag one
// exchange behind: whatever the master sends is answered in the next exchange.
//
// All methods are called from the link loop goroutine.
type Agent struct {
	session *Session
	logger  zerolog.Logger

	// engaged is set once the master sent GET_INFO for the open session.
	engaged      bool
	bulk         bool
	replyPending bool
	// reported is set once a terminal status went out on the link.
	reported bool
}

// NewAgent creates an Agent driving session.
func NewAgent(session *Session, logger zerolog.Logger) *Agent {
	return &Agent{session: session, logger: logger}
}

// Session returns the session the agent drives.
func (a *Agent) Session() *Session {
	return a.session
}

// Owns reports whether the update session currently owns the link, choosing
// both buffer size and reply content.
func (a *Agent) Owns() bool {
	return a.engaged || a.bulk
}

// Bulk reports whether the next exchange uses bulk-size buffers.
func (a *Agent) Bulk() bool {
	return a.bulk
}

// WantsReply reports whether the next outbound frame is an OTA status.
func (a *Agent) WantsReply() bool {
	return a.Owns() || a.replyPending
}

// consumed runs before every received exchange. Once a terminal status has been
// reported the session releases the link.
func (a *Agent) consumed() {
	if a.reported && !a.session.Phase().Active() {
		a.engaged = false
		a.bulk = false
	}
}

// Receive handles an OTA frame from the master.
func (a *Agent) Receive(f linkproto.Frame, now time.Time) {
	a.consumed()

	switch f.Kind {
	case linkproto.KindOtaControl:
		a.receiveControl(f.OtaControl, now)
	case linkproto.KindOtaBulk:
		a.receiveBulk(f.Bulk, now)
	}
}

func (a *Agent) receiveControl(p linkproto.OtaControl, now time.Time) {
	a.replyPending = true

	switch p.Code {
	case linkproto.CmdStatus:
	case linkproto.CmdGetInfo:
		if phase := a.session.Phase(); phase == PhaseVerifyRequested || phase == PhaseVerified {
			if !a.engaged {
				a.logger.Info().Stringer("phase", phase).Msg("master engaged")
			}
			a.engaged = true
			a.reported = false
		}
	case linkproto.CmdStartBulk:
		if !a.engaged {
			a.logger.Debug().Msg("start bulk without engagement")
			return
		}
		if err := a.session.BeginBulk(now); err != nil {
			a.logger.Warn().Err(err).Msg("start bulk rejected")
			return
		}
		if int(p.Param) != ChunkCount(a.session.Status().Manifest.Size, linkproto.ChunkSize) {
			a.logger.Warn().Uint16("chunks", p.Param).Msg("master chunk count disagrees with manifest")
		}
		a.bulk = true
	case linkproto.CmdAbort:
		a.session.Abort(ReasonPeerCancel, errors.New("master cancelled"))
	default:
		a.logger.Debug().Str("code", linkproto.FormatCode(p.Code)).Msg("ignoring ota command")
	}
}

func (a *Agent) receiveBulk(p linkproto.OtaBulk, now time.Time) {
	switch p.Code {
	case linkproto.CmdChunk:
		if err := a.session.AcceptChunk(p.Seq, p.Data, now); err != nil {
			a.logger.Debug().Err(err).Uint16("seq", p.Seq).Msg("chunk rejected")
		}
	case linkproto.CmdDone:
		if err := a.session.Finish(now); err != nil {
			a.logger.Debug().Err(err).Msg("finish")
		}
	case linkproto.CmdAbort:
		a.session.Abort(ReasonPeerCancel, errors.New("master cancelled"))
	case linkproto.CmdStatus:
	default:
		a.logger.Debug().Str("code", linkproto.FormatCode(p.Code)).Msg("ignoring bulk command")
	}
}

// ControlReceived handles a plain control packet. While the master is engaged
// this means it gave up, so the session is dropped.
func (a *Agent) ControlReceived(now time.Time) {
	a.consumed()
	if !a.Owns() {
		return
	}
	a.logger.Warn().Msg("control packet during update session")
	a.session.Abort(ReasonPeerCancel, errPeerReverted)
	a.engaged = false
	a.bulk = false
}

// Reset handles a transport timeout. Bulk mode is always left.
func (a *Agent) Reset(now time.Time) {
	a.session.Abort(ReasonTimeout, errors.New("transport timeout"))
	a.engaged = false
	a.bulk = false
	a.replyPending = false
}

// Fill writes the OTA status for the next exchange into tx.
func (a *Agent) Fill(tx []byte) {
	st := a.session.Status()
	a.replyPending = false
	if st.Phase == PhaseDone || st.Phase == PhaseAborted {
		a.reported = true
	}

	if a.bulk {
		code := uint8(linkproto.StatusChunkAck)
		switch {
		case st.Phase == PhaseDone:
			code = linkproto.StatusDone
		case st.Phase == PhaseAborted:
			code = linkproto.StatusAborted
		case st.Received == 0 && st.NextSeq == 0:
			code = linkproto.StatusBulkReady
		}
		if err := linkproto.PutOtaBulk(tx, linkproto.OtaBulk{Code: code, Seq: st.NextSeq}); err != nil {
			a.logger.Error().Err(err).Msg("encode bulk reply")
		}
		return
	}

	p := linkproto.OtaControl{
		Code:   st.Phase.StatusCode(),
		Size:   st.Manifest.Size,
		Digest: st.Manifest.Digest,
	}
	if st.Phase == PhaseAborted && st.Abort != nil {
		p.Param = uint16(st.Abort.Reason)
		if st.Abort.Phase == PhaseVerifyRequested && st.Abort.Reason == ReasonIntegrity {
			p.Code = linkproto.StatusVerifyFailed
		}
	}
	linkproto.PutOtaControl(tx, p)
}

// Tick advances the session: refreshes staging, runs a requested verify,
// enforces the session timeout, and finalizes a finished session once it no
// longer owns the link.
func (a *Agent) Tick(now time.Time) {
	a.session.Refresh(now)

	if a.session.Phase() == PhaseVerifyRequested {
		if err := a.session.Verify(now); err != nil {
			a.logger.Warn().Err(err).Msg("verify failed")
		}
	}

	a.session.CheckTimeout(now)

	phase := a.session.Phase()
	if (phase == PhaseDone || phase == PhaseAborted) && !a.Owns() && !a.replyPending {
		if err := a.session.Finalize(now); err != nil {
			a.logger.Error().Err(err).Msg("finalize update")
		}
		a.reported = false
	}
}
