// Package stripe implements the rotating P/Q placement, real-disk <->
// algorithmic-index translation, and stripe-level recovery orchestration
// described in spec.md §4.4.
//
// RealIndex and AlgoIndex are distinct named types so that a reviewer can
// see at a glance whether a given integer names a physical disk or a
// position in the codec's input vector (spec.md §9).
package stripe

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dnaeon/go-raid6/codec"
	"github.com/dnaeon/go-raid6/device"
)

// RealIndex names a physical disk index, in [0, N).
type RealIndex int

// AlgoIndex names a position in the codec's algorithmic vector: a data
// index in [0, N-2), or N-2 for P, or N-1 for Q.
type AlgoIndex int

// RoleKind classifies a real disk's part in one stripe.
type RoleKind int

const (
	RoleData RoleKind = iota
	RoleParity
	RoleSyndrome
)

// StripeRole tags a real disk's role within one stripe; Data is only
// meaningful when Kind == RoleData.
type StripeRole struct {
	Kind RoleKind
	Data AlgoIndex
}

// ErrUnrecoverable is returned when a stripe or array has more failures
// than the codec can reconstruct (more than two disks, or more than two
// missing blocks within a single stripe).
var ErrUnrecoverable = errors.New("stripe: unrecoverable, more than two simultaneous failures")

// PDisk returns the real disk index holding the P syndrome of stripe s.
func PDisk(s, n int) RealIndex {
	return RealIndex(mod(s+n-2, n))
}

// QDisk returns the real disk index holding the Q syndrome of stripe s.
func QDisk(s, n int) RealIndex {
	return RealIndex(mod(s+n-1, n))
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// RealToAlgo maps a real disk index d to its algorithmic index within a
// stripe whose P/Q disks are p and q (q is always (p+1) mod n).
func RealToAlgo(d, p, q RealIndex, n int) AlgoIndex {
	switch {
	case d == p:
		return AlgoIndex(n - 2)
	case d == q:
		return AlgoIndex(n - 1)
	case int(p) == n-1:
		return AlgoIndex(int(d) - 1)
	case d > p:
		return AlgoIndex(int(d) - 2)
	default:
		return AlgoIndex(d)
	}
}

// AlgoToReal is the exact inverse of RealToAlgo.
func AlgoToReal(a AlgoIndex, p, q RealIndex, n int) RealIndex {
	switch {
	case int(a) == n-2:
		return p
	case int(a) == n-1:
		return q
	case int(p) == n-1:
		return RealIndex(int(a) + 1)
	case int(a) < int(p):
		return RealIndex(a)
	default:
		return RealIndex(int(a) + 2)
	}
}

// RoleAt classifies real disk d within a stripe whose P/Q disks are p, q.
func RoleAt(d, p, q RealIndex, n int) StripeRole {
	switch {
	case d == p:
		return StripeRole{Kind: RoleParity}
	case d == q:
		return StripeRole{Kind: RoleSyndrome}
	default:
		return StripeRole{Kind: RoleData, Data: RealToAlgo(d, p, q, n)}
	}
}

// Manager drives stripe recovery over a device.Device.
type Manager struct {
	dev          device.Device
	n            int
	log          logrus.FieldLogger
	lastRecovery *time.Duration
}

// New creates a stripe Manager over dev, whose DiskCount is n.
func New(dev device.Device, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{dev: dev, n: dev.DiskCount(), log: log}
}

// PDisk and QDisk for this manager's disk count.
func (m *Manager) PDisk(s int) RealIndex { return PDisk(s, m.n) }
func (m *Manager) QDisk(s int) RealIndex { return QDisk(s, m.n) }

// DiskCount and BlockSize expose the underlying device's geometry.
func (m *Manager) DiskCount() int  { return m.n }
func (m *Manager) BlockSize() int  { return m.dev.BlockSize() }
func (m *Manager) BlockCount() int { return m.dev.BlockCount() }

// ErrRecoveryFailed indicates a read or write still failed after one
// recovery pass was attempted -- spec.md §4.6's "a second non-Ok is
// fatal".
var ErrRecoveryFailed = errors.New("stripe: read/write failed even after recovery")

// ReadBlock reads block (d,s), transparently attempting one stripe
// recovery pass if the device reports failure, then retrying once. This
// is the "recovery-aware" read spec.md §4.6 assigns to the file manager
// layer; it lives here because both the file table and the file manager
// need the identical retry-then-fatal behavior over the same device.
func (m *Manager) ReadBlock(d, s int) ([]byte, error) {
	status, data := m.dev.ReadBlock(d, s)
	if status == device.StatusOK {
		return data, nil
	}
	if err := m.RecoverFromFailure(s); err != nil {
		return nil, err
	}
	status, data = m.dev.ReadBlock(d, s)
	if status != device.StatusOK {
		return nil, fmt.Errorf("%w: disk %d block %d still %s after recovery", ErrRecoveryFailed, d, s, status)
	}
	return data, nil
}

// WriteBlock writes data to block (d,s), transparently attempting one
// stripe recovery pass if the device reports failure, then retrying once.
// Forced writes (used by the stripe manager's own reconstruction path)
// are not retried: a forced write is already the recovery action.
func (m *Manager) WriteBlock(d, s int, data []byte, force bool) error {
	err := m.dev.WriteBlock(d, s, data, force)
	if err == nil || force {
		return err
	}
	if rerr := m.RecoverFromFailure(s); rerr != nil {
		return rerr
	}
	if err := m.dev.WriteBlock(d, s, data, force); err != nil {
		return fmt.Errorf("%w: disk %d block %d: %v", ErrRecoveryFailed, d, s, err)
	}
	return nil
}

// RawReadBlock reads block (d,s) without attempting recovery on failure,
// for callers (like corruption checking) where a missing block is a
// programming error rather than an expected transient condition.
func (m *Manager) RawReadBlock(d, s int) ([]byte, error) {
	status, data := m.dev.ReadBlock(d, s)
	if status != device.StatusOK {
		return nil, fmt.Errorf("stripe: disk %d block %d: %s", d, s, status)
	}
	return data, nil
}

// RecomputeParity reads every data block of stripe s (recovery-aware) and
// rewrites its P and Q blocks to match, satisfying the parity invariant
// (spec.md §3) after any mutation to the stripe's data.
func (m *Manager) RecomputeParity(s int) error {
	p, q := m.PDisk(s), m.QDisk(s)
	blockSize := m.dev.BlockSize()

	dataBlocks := make([][]byte, 0, m.n-2)
	for d := 0; d < m.n; d++ {
		if RealIndex(d) == p || RealIndex(d) == q {
			continue
		}
		data, err := m.ReadBlock(d, s)
		if err != nil {
			return fmt.Errorf("stripe: recompute parity for stripe %d: %w", s, err)
		}
		dataBlocks = append(dataBlocks, data)
	}

	pBlock := make([]byte, blockSize)
	qBlock := make([]byte, blockSize)
	vec := make([]byte, len(dataBlocks))
	for off := 0; off < blockSize; off++ {
		for i, blk := range dataBlocks {
			vec[i] = blk[off]
		}
		pByte, qByte := codec.Encode(vec)
		pBlock[off] = pByte
		qBlock[off] = qByte
	}
	if err := m.WriteBlock(int(p), s, pBlock, false); err != nil {
		return fmt.Errorf("stripe: writing P block for stripe %d: %w", s, err)
	}
	if err := m.WriteBlock(int(q), s, qBlock, false); err != nil {
		return fmt.Errorf("stripe: writing Q block for stripe %d: %w", s, err)
	}
	return nil
}

// LastRecoveryDuration returns the duration of the most recently completed
// recovery pass, and clears it: a second call without an intervening
// recovery returns (0, false).
func (m *Manager) LastRecoveryDuration() (time.Duration, bool) {
	if m.lastRecovery == nil {
		return 0, false
	}
	d := *m.lastRecovery
	m.lastRecovery = nil
	return d, true
}

// RecoverFromFailure implements spec.md §4.4's recover_from_failure: probe
// every disk, and either sweep every stripe (if any whole disk failed) or
// repair just stripe s (if no whole disk is missing, only blocks of it).
func (m *Manager) RecoverFromFailure(s int) error {
	corrID := uuid.New().String()
	log := m.log.WithField("correlation_id", corrID)

	var failedDisks []int
	for d := 0; d < m.n; d++ {
		if m.dev.CheckDisk(d) == device.StatusDiskMissing {
			failedDisks = append(failedDisks, d)
		}
	}
	if len(failedDisks) > 2 {
		log.WithField("failed_disks", failedDisks).Error("stripe: more than two disks missing")
		return ErrUnrecoverable
	}

	start := time.Now()
	if len(failedDisks) > 0 {
		log.WithField("failed_disks", failedDisks).Info("stripe: whole-disk failure detected, sweeping all stripes")
		// This includes stripe 0, where the root package keeps its
		// unprotected array superblock; recovering disk 0 there
		// overwrites it with parity-reconstructed bytes rather than the
		// real superblock record. Acceptable since the superblock is
		// explicitly unprotected by the codec and re-derivable only from
		// itself, not from parity.
		for sp := 0; sp < m.dev.BlockCount(); sp++ {
			if _, err := m.recoverStripe(sp, log); err != nil {
				return err
			}
		}
	} else {
		if _, err := m.recoverStripe(s, log); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	m.lastRecovery = &elapsed
	log.WithField("duration", elapsed).Info("stripe: recovery pass complete")
	return nil
}

type missingSlot struct {
	real RealIndex
	algo AlgoIndex
}

// recoverStripe implements spec.md §4.4's per-stripe recovery.
func (m *Manager) recoverStripe(s int, log logrus.FieldLogger) (time.Duration, error) {
	start := time.Now()
	p, q := m.PDisk(s), m.QDisk(s)

	var missing []missingSlot
	for d := 0; d < m.n; d++ {
		if m.dev.CheckBlock(d, s) != device.StatusOK {
			missing = append(missing, missingSlot{RealIndex(d), RealToAlgo(RealIndex(d), p, q, m.n)})
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if len(missing) > 2 {
		log.WithFields(logrus.Fields{"stripe": s, "missing": len(missing)}).Error("stripe: too many missing blocks to recover")
		return 0, ErrUnrecoverable
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].algo < missing[j].algo })

	blockSize := m.dev.BlockSize()
	algoBlocks := make([][]byte, m.n)
	for d := 0; d < m.n; d++ {
		algo := RealToAlgo(RealIndex(d), p, q, m.n)
		if isMissingReal(missing, RealIndex(d)) {
			algoBlocks[algo] = make([]byte, blockSize)
			continue
		}
		status, data := m.dev.ReadBlock(d, s)
		if status != device.StatusOK {
			return 0, fmt.Errorf("stripe: disk %d block %d reported ok on probe but failed to read: %s", d, s, status)
		}
		algoBlocks[algo] = data
	}

	positions := make([]int, len(missing))
	for i, ms := range missing {
		positions[i] = int(ms.algo)
	}
	recovered := make(map[int][]byte, len(positions))
	for _, pos := range positions {
		recovered[pos] = make([]byte, blockSize)
	}

	vec := make([]byte, m.n)
	for off := 0; off < blockSize; off++ {
		for j := 0; j < m.n; j++ {
			vec[j] = algoBlocks[j][off]
		}
		if _, err := codec.Fix(vec, positions); err != nil {
			if errors.Is(err, codec.ErrTooManyFailures) {
				return 0, ErrUnrecoverable
			}
			return 0, fmt.Errorf("stripe: recovery failed at stripe %d offset %d: %w", s, off, err)
		}
		for _, pos := range positions {
			recovered[pos][off] = vec[pos]
		}
	}

	for _, ms := range missing {
		if err := m.dev.WriteBlock(int(ms.real), s, recovered[int(ms.algo)], true); err != nil {
			return 0, fmt.Errorf("stripe: writing recovered disk %d block %d: %w", ms.real, s, err)
		}
	}
	log.WithFields(logrus.Fields{"stripe": s, "recovered_disks": len(missing)}).Debug("stripe: per-stripe recovery applied")
	return time.Since(start), nil
}

func isMissingReal(missing []missingSlot, d RealIndex) bool {
	for _, ms := range missing {
		if ms.real == d {
			return true
		}
	}
	return false
}
