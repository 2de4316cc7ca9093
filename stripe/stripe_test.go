package stripe

import (
	"testing"

	"github.com/dnaeon/go-raid6/codec"
	"github.com/dnaeon/go-raid6/device"
	"github.com/dnaeon/go-raid6/device/membackend"
)

func TestRealAlgoRoundTrip(t *testing.T) {
	for n := 4; n <= 12; n++ {
		for s := 0; s < 2*n; s++ {
			p, q := PDisk(s, n), QDisk(s, n)
			for a := 0; a < n; a++ {
				real := AlgoToReal(AlgoIndex(a), p, q, n)
				back := RealToAlgo(real, p, q, n)
				if int(back) != a {
					t.Fatalf("n=%d s=%d a=%d: round trip real=%d back=%d", n, s, a, real, back)
				}
			}
		}
	}
}

func TestRealToAlgoBijective(t *testing.T) {
	for n := 4; n <= 12; n++ {
		for s := 0; s < 2*n; s++ {
			p, q := PDisk(s, n), QDisk(s, n)
			seen := make(map[int]bool)
			for d := 0; d < n; d++ {
				a := RealToAlgo(RealIndex(d), p, q, n)
				if a < 0 || int(a) >= n {
					t.Fatalf("n=%d s=%d d=%d: algo index %d out of range", n, s, d, a)
				}
				if seen[int(a)] {
					t.Fatalf("n=%d s=%d: algo index %d produced twice", n, s, a)
				}
				seen[int(a)] = true
			}
		}
	}
}

func TestRoleAtMatchesPQDisks(t *testing.T) {
	n := 6
	for s := 0; s < n; s++ {
		p, q := PDisk(s, n), QDisk(s, n)
		if RoleAt(p, p, q, n).Kind != RoleParity {
			t.Fatalf("s=%d: p disk role not RoleParity", s)
		}
		if RoleAt(q, p, q, n).Kind != RoleSyndrome {
			t.Fatalf("s=%d: q disk role not RoleSyndrome", s)
		}
	}
}

func setupArray(t *testing.T, n, m, blockSize int) (*membackend.Backend, *Manager) {
	t.Helper()
	dev := membackend.New(n, m, blockSize)
	for d := 0; d < n; d++ {
		if err := dev.ResetDisk(d); err != nil {
			t.Fatalf("ResetDisk(%d): %v", d, err)
		}
	}
	return dev, New(dev, nil)
}

func writeStripe(t *testing.T, dev *membackend.Backend, mgr *Manager, s int, data [][]byte) {
	t.Helper()
	n := dev.DiskCount()
	p, q := mgr.PDisk(s), mgr.QDisk(s)
	blockSize := dev.BlockSize()
	pBlock := make([]byte, blockSize)
	qBlock := make([]byte, blockSize)
	for off := 0; off < blockSize; off++ {
		vec := make([]byte, len(data))
		for i := range data {
			vec[i] = data[i][off]
		}
		pByte, qByte := codec.Encode(vec)
		pBlock[off] = pByte
		qBlock[off] = qByte
	}
	for d := 0; d < n; d++ {
		role := RoleAt(RealIndex(d), p, q, n)
		var block []byte
		switch role.Kind {
		case RoleParity:
			block = pBlock
		case RoleSyndrome:
			block = qBlock
		default:
			block = data[role.Data]
		}
		if err := dev.WriteBlock(d, s, block, false); err != nil {
			t.Fatalf("WriteBlock(%d,%d): %v", d, s, err)
		}
	}
}

func readStripeData(t *testing.T, dev *membackend.Backend, mgr *Manager, s, dataCount int) [][]byte {
	t.Helper()
	n := dev.DiskCount()
	p, q := mgr.PDisk(s), mgr.QDisk(s)
	out := make([][]byte, dataCount)
	for d := 0; d < n; d++ {
		role := RoleAt(RealIndex(d), p, q, n)
		if role.Kind != RoleData {
			continue
		}
		status, data := dev.ReadBlock(d, s)
		if status != device.StatusOK {
			t.Fatalf("ReadBlock(%d,%d): status %v", d, s, status)
		}
		out[role.Data] = data
	}
	return out
}

func TestRecoverSingleDiskFailure(t *testing.T) {
	n, m, blockSize := 6, 4, 16
	dev, mgr := setupArray(t, n, m, blockSize)
	data := make([][]byte, n-2)
	for i := range data {
		block := make([]byte, blockSize)
		for j := range block {
			block[j] = byte((i+1)*7 + j)
		}
		data[i] = block
	}
	writeStripe(t, dev, mgr, 2, data)

	if err := dev.FailDisk(1); err != nil {
		t.Fatalf("FailDisk: %v", err)
	}
	if err := mgr.RecoverFromFailure(2); err != nil {
		t.Fatalf("RecoverFromFailure: %v", err)
	}

	got := readStripeData(t, dev, mgr, 2, n-2)
	for i := range data {
		if string(got[i]) != string(data[i]) {
			t.Fatalf("data block %d mismatch after recovery: got %v want %v", i, got[i], data[i])
		}
	}
	if d, ok := mgr.LastRecoveryDuration(); !ok {
		t.Fatalf("LastRecoveryDuration not set after recovery")
	} else if d < 0 {
		t.Fatalf("negative recovery duration: %v", d)
	}
	if _, ok := mgr.LastRecoveryDuration(); ok {
		t.Fatalf("LastRecoveryDuration should be cleared after being read once")
	}
}

func TestRecoverTwoDiskFailures(t *testing.T) {
	n, m, blockSize := 6, 4, 16
	dev, mgr := setupArray(t, n, m, blockSize)
	data := make([][]byte, n-2)
	for i := range data {
		block := make([]byte, blockSize)
		for j := range block {
			block[j] = byte((i+3)*11 + j*3)
		}
		data[i] = block
	}
	writeStripe(t, dev, mgr, 0, data)

	_ = dev.FailDisk(0)
	_ = dev.FailDisk(3)

	if err := mgr.RecoverFromFailure(0); err != nil {
		t.Fatalf("RecoverFromFailure: %v", err)
	}
	got := readStripeData(t, dev, mgr, 0, n-2)
	for i := range data {
		if string(got[i]) != string(data[i]) {
			t.Fatalf("data block %d mismatch after double-disk recovery: got %v want %v", i, got[i], data[i])
		}
	}
}

func TestRecoverThreeDiskFailuresUnrecoverable(t *testing.T) {
	n, m, blockSize := 6, 4, 16
	dev, mgr := setupArray(t, n, m, blockSize)
	_ = dev.FailDisk(0)
	_ = dev.FailDisk(1)
	_ = dev.FailDisk(2)
	if err := mgr.RecoverFromFailure(0); err != ErrUnrecoverable {
		t.Fatalf("RecoverFromFailure with 3 failed disks = %v, want ErrUnrecoverable", err)
	}
}
