// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/storage"
)

// link runs a Driver against an Agent with full-duplex exchange semantics:
// both sides load their frame before the exchange, so every reply reflects
// the peer's state before it saw the frame it answers.
type link struct {
	t      *testing.T
	driver *Driver
	agent  *Agent
	now    time.Time

	// corrupt, when set, may mangle the master's frame in flight.
	corrupt func(n int, tx []byte)

	exchanges    int
	slaveControl int
}

func newLink(t *testing.T, master, slave *Images, installer Installer) *link {
	return &link{
		t:      t,
		driver: NewDriver(master, WithPollInterval(500*time.Millisecond)),
		agent:  NewAgent(NewSession(slave, installer), zerolog.Nop()),
		now:    t0,
	}
}

func (l *link) step() {
	l.exchanges++

	slaveBulk := l.agent.Bulk()
	size := linkproto.FrameSize
	if slaveBulk {
		size = linkproto.OtaBulkSize
	}
	stx := make([]byte, size)
	if l.agent.WantsReply() {
		l.agent.Fill(stx)
	} else {
		linkproto.PutControl(stx, linkproto.ControlPacket{Value: 3000, Mode: linkproto.ModeAuto})
	}

	mtx, ok := l.driver.Next(l.now)
	if !ok {
		mtx = linkproto.ControlFrame(linkproto.ControlPacket{Value: 3000, Mode: linkproto.ModeAuto})
	}
	if l.corrupt != nil {
		mtx = append([]byte(nil), mtx...)
		l.corrupt(l.exchanges, mtx)
	}

	n := min(len(mtx), len(stx))
	srx := append([]byte(nil), mtx[:n]...)
	mrx := make([]byte, len(mtx))
	copy(mrx, stx[:n])

	if f, err := linkproto.DecodeFrame(srx, slaveBulk); err == nil {
		if f.Kind == linkproto.KindControl {
			l.slaveControl++
			l.agent.ControlReceived(l.now)
		} else {
			l.agent.Receive(f, l.now)
		}
	}
	l.agent.Tick(l.now)

	f, err := linkproto.DecodeFrame(mrx, len(mtx) >= linkproto.OtaBulkSize)
	l.driver.Observe(f, err, l.now)

	l.now = l.now.Add(50 * time.Millisecond)
}

// runUntilOutcome steps until the driver finishes an attempt.
func (l *link) runUntilOutcome(limit int) *Outcome {
	l.t.Helper()
	for i := 0; i < limit; i++ {
		l.step()
		if out := l.driver.Outcome(); out != nil {
			return out
		}
	}
	l.t.Fatalf("no outcome after %d exchanges, driver %s, session %s",
		limit, l.driver.Mode(), l.agent.Session().Phase())
	return nil
}

// settle runs a few exchanges so the slave reports and finalizes.
func (l *link) settle() {
	for i := 0; i < 5; i++ {
		l.step()
	}
}

func sharedLink(t *testing.T, size int) (*link, []byte, *StoreInstaller, storage.BlockStore) {
	staging := storage.NewMem()
	images := NewImages(staging)
	data := testImage(size)
	stageImage(t, images, data)

	flash := storage.NewMem()
	installer := NewStoreInstaller(flash)
	l := newLink(t, images, images, installer)
	return l, data, installer, flash
}

// ============================================================
// End-to-end
// ============================================================

func TestLink_UpdateDelivered(t *testing.T) {
	l, data, installer, flash := sharedLink(t, 3000)
	l.agent.Tick(l.now)
	require.Equal(t, PhaseFwReady, l.agent.Session().Phase())

	// Polling alone never starts a transfer.
	for i := 0; i < 30; i++ {
		l.step()
	}
	require.Equal(t, DriverWatching, l.driver.Mode())
	require.Equal(t, PhaseFwReady, l.agent.Session().Phase())

	require.NoError(t, l.agent.Session().RequestVerify(l.now))
	out := l.runUntilOutcome(500)
	require.True(t, out.Done, "outcome error: %v", out.Err)
	require.NoError(t, out.Err)

	l.settle()
	require.False(t, l.agent.Bulk())
	require.False(t, l.agent.Owns())
	st := l.agent.Session().Status()
	require.Equal(t, PhaseIdle, st.Phase)
	require.Equal(t, PhaseDone, st.Last)

	installed, err := storage.ReadFile(flash, UpdateFileName)
	require.NoError(t, err)
	require.Equal(t, data, installed)
	m, err := installer.Installed()
	require.NoError(t, err)
	require.Equal(t, linkproto.CRC32(data), m.Digest)
}

func TestLink_EmptyImage(t *testing.T) {
	l, _, _, flash := sharedLink(t, 0)
	l.agent.Tick(l.now)
	require.NoError(t, l.agent.Session().RequestVerify(l.now))

	out := l.runUntilOutcome(200)
	require.True(t, out.Done, "outcome error: %v", out.Err)

	l.settle()
	installed, err := storage.ReadFile(flash, UpdateFileName)
	require.NoError(t, err)
	require.Empty(t, installed)
}

func TestLink_CorruptChunkIsResent(t *testing.T) {
	l, data, _, flash := sharedLink(t, 2000)
	l.agent.Tick(l.now)
	require.NoError(t, l.agent.Session().RequestVerify(l.now))

	corrupted := 0
	l.corrupt = func(_ int, tx []byte) {
		if corrupted > 0 || len(tx) != linkproto.OtaBulkSize {
			return
		}
		p, err := linkproto.DecodeOtaBulk(tx)
		if err == nil && p.Code == linkproto.CmdChunk && p.Seq == 2 {
			tx[100] ^= 0x40
			corrupted++
		}
	}

	out := l.runUntilOutcome(500)
	require.Equal(t, 1, corrupted)
	require.True(t, out.Done, "outcome error: %v", out.Err)

	l.settle()
	installed, err := storage.ReadFile(flash, UpdateFileName)
	require.NoError(t, err)
	require.Equal(t, data, installed)
}

func TestLink_DigestDisagreementAborts(t *testing.T) {
	masterImages := NewImages(storage.NewMem())
	stageImage(t, masterImages, testImage(1500))
	slaveImages := NewImages(storage.NewMem())
	stageImage(t, slaveImages, testImage(1501))

	l := newLink(t, masterImages, slaveImages, NewStoreInstaller(storage.NewMem()))
	l.agent.Tick(l.now)
	require.NoError(t, l.agent.Session().RequestVerify(l.now))

	out := l.runUntilOutcome(200)
	require.False(t, out.Done)
	require.ErrorIs(t, out.Err, ErrDigestMismatch)

	l.settle()
	st := l.agent.Session().Status()
	require.Equal(t, PhaseAborted, st.Last)
	require.Equal(t, PhaseFwReady, st.Phase, "peer cancel keeps the staged image")
	require.False(t, l.agent.Owns())
}

func TestLink_SilenceDuringBulk(t *testing.T) {
	l, _, _, flash := sharedLink(t, 5000)
	l.agent.Tick(l.now)
	require.NoError(t, l.agent.Session().RequestVerify(l.now))

	for i := 0; i < 200 && l.agent.Session().Status().Received < 1024; i++ {
		l.step()
	}
	require.Equal(t, PhaseBulkTransfer, l.agent.Session().Phase())
	require.True(t, l.agent.Bulk())

	// The master goes away; the slave transport times out.
	l.now = l.now.Add(2 * time.Second)
	l.agent.Reset(l.now)
	l.agent.Tick(l.now)

	require.False(t, l.agent.Bulk())
	st := l.agent.Session().Status()
	require.Equal(t, PhaseAborted, st.Last)
	require.Equal(t, PhaseFwReady, st.Phase)
	require.False(t, storage.Exists(flash, UpdateFileName))

	// A fresh master is back on normal control exchanges.
	l.driver = NewDriver(NewImages(storage.NewMem()), WithPollInterval(time.Hour))
	l.driver.lastPoll = l.now
	before := l.slaveControl
	l.step()
	require.Equal(t, before+1, l.slaveControl)
}

func TestLink_MasterGivesUpWhenSlaveSilent(t *testing.T) {
	l, _, _, _ := sharedLink(t, 5000)
	l.agent.Tick(l.now)
	require.NoError(t, l.agent.Session().RequestVerify(l.now))

	for i := 0; i < 200 && l.driver.Mode() != DriverBulk; i++ {
		l.step()
	}
	require.Equal(t, DriverBulk, l.driver.Mode())

	// Every reply is lost from here on.
	for i := 0; i < 100 && l.driver.Outcome() == nil; i++ {
		l.driver.Next(l.now)
		l.driver.Observe(linkproto.Frame{}, linkproto.ErrBadChecksum, l.now)
		l.now = l.now.Add(50 * time.Millisecond)
	}
	out := l.driver.Outcome()
	require.NotNil(t, out)
	require.False(t, out.Done)
	require.Equal(t, DriverWatching, l.driver.Mode())
}

// bulkUnderway steps until the slave holds at least n bytes of the update.
func (l *link) bulkUnderway(n uint32) {
	l.t.Helper()
	for i := 0; i < 200 && l.agent.Session().Status().Received < n; i++ {
		l.step()
	}
	require.Equal(l.t, PhaseBulkTransfer, l.agent.Session().Phase())
	require.True(l.t, l.agent.Bulk())
}

func TestLink_PeerRevertsMidBulk(t *testing.T) {
	l, _, _, flash := sharedLink(t, 5000)
	l.agent.Tick(l.now)
	require.NoError(t, l.agent.Session().RequestVerify(l.now))
	l.bulkUnderway(1024)

	// A plain control packet while engaged means the master gave up.
	l.agent.ControlReceived(l.now)
	l.agent.Tick(l.now)

	require.False(t, l.agent.Bulk())
	require.False(t, l.agent.Owns())
	st := l.agent.Session().Status()
	require.Equal(t, PhaseAborted, st.Last)
	require.Equal(t, PhaseFwReady, st.Phase)
	require.Equal(t, ReasonPeerCancel, st.Abort.Reason)
	require.ErrorIs(t, st.Abort, errPeerReverted)
	require.False(t, storage.Exists(flash, UpdateFileName))

	// The master sees control replies to its bulk frames and gives up too.
	out := l.runUntilOutcome(20)
	require.False(t, out.Done)
	require.Equal(t, DriverWatching, l.driver.Mode())
}

func TestLink_MasterAbortMidBulk(t *testing.T) {
	l, _, _, flash := sharedLink(t, 5000)
	l.agent.Tick(l.now)
	require.NoError(t, l.agent.Session().RequestVerify(l.now))
	l.bulkUnderway(1024)

	l.agent.Receive(linkproto.Frame{
		Kind: linkproto.KindOtaBulk,
		Bulk: linkproto.OtaBulk{Code: linkproto.CmdAbort},
	}, l.now)
	l.agent.Tick(l.now)
	require.Equal(t, PhaseAborted, l.agent.Session().Phase())
	require.True(t, l.agent.Bulk(), "the abort is reported before bulk mode is left")

	out := l.runUntilOutcome(20)
	require.False(t, out.Done)

	l.settle()
	require.False(t, l.agent.Bulk())
	st := l.agent.Session().Status()
	require.Equal(t, PhaseAborted, st.Last)
	require.Equal(t, PhaseFwReady, st.Phase, "peer cancel keeps the staged image")
	require.Equal(t, ReasonPeerCancel, st.Abort.Reason)
	require.False(t, storage.Exists(flash, UpdateFileName))
}

func TestAgent_ChunkWithoutSession(t *testing.T) {
	a := NewAgent(NewSession(NewImages(storage.NewMem()), NewStoreInstaller(storage.NewMem())), zerolog.Nop())
	a.Tick(t0)
	require.Equal(t, PhaseIdle, a.Session().Phase())

	a.Receive(linkproto.Frame{
		Kind: linkproto.KindOtaBulk,
		Bulk: linkproto.OtaBulk{Code: linkproto.CmdChunk, Seq: 0, Data: testImage(linkproto.ChunkSize)},
	}, t0)
	a.Tick(t0)

	st := a.Session().Status()
	require.Equal(t, PhaseIdle, st.Phase)
	require.Equal(t, 1, st.Errors)
	require.False(t, a.Bulk())
	require.False(t, a.Owns())
}

// writeOversizeImage stages an image one byte past what the link can stream.
func writeOversizeImage(t *testing.T, store storage.BlockStore) {
	t.Helper()
	size := MaxImageSize + 1
	require.NoError(t, storage.WriteFile(store, ImageFileName, make([]byte, size)))
	raw, err := cbor.Marshal(Manifest{Version: "huge", Size: uint32(size), Created: t0})
	require.NoError(t, err)
	require.NoError(t, storage.WriteFile(store, ManifestFileName, raw))
}

func TestDriver_OversizeImageCancelsSession(t *testing.T) {
	store := storage.NewMem()
	writeOversizeImage(t, store)
	d := NewDriver(NewImages(store))

	_, ok := d.Next(t0)
	require.True(t, ok)
	verifyRequested := linkproto.Frame{
		Kind:       linkproto.KindOtaControl,
		OtaControl: linkproto.OtaControl{Code: linkproto.StatusVerifyRequested},
	}
	d.Observe(verifyRequested, nil, t0)
	require.Equal(t, DriverEngaged, d.Mode())

	tx, ok := d.Next(t0)
	require.True(t, ok)
	p, err := linkproto.DecodeOtaControl(tx)
	require.NoError(t, err)
	require.EqualValues(t, linkproto.CmdAbort, p.Code, "no bulk transfer may start")

	d.Observe(verifyRequested, nil, t0)
	out := d.Outcome()
	require.NotNil(t, out)
	require.False(t, out.Done)
	require.ErrorIs(t, out.Err, ErrImageTooLarge)
	require.Equal(t, DriverWatching, d.Mode())
}

func TestLink_OversizeImageFailsVerify(t *testing.T) {
	store := storage.NewMem()
	writeOversizeImage(t, store)
	images := NewImages(store)
	l := newLink(t, images, images, NewStoreInstaller(storage.NewMem()))
	l.agent.Tick(l.now)
	require.Equal(t, PhaseFwReady, l.agent.Session().Phase())

	require.NoError(t, l.agent.Session().RequestVerify(l.now))
	l.agent.Tick(l.now)

	st := l.agent.Session().Status()
	require.Equal(t, PhaseAborted, st.Last)
	require.Equal(t, ReasonIntegrity, st.Abort.Reason)
	require.ErrorIs(t, st.Abort, ErrImageTooLarge)
	_, ok := images.Staged()
	require.False(t, ok, "an image the link cannot carry is discarded")

	for i := 0; i < 20; i++ {
		l.step()
	}
	require.Equal(t, DriverWatching, l.driver.Mode())
	require.Nil(t, l.driver.Outcome())
}
