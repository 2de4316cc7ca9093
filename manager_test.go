package raid6

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/dnaeon/go-raid6/device"
	"github.com/dnaeon/go-raid6/device/membackend"
)

func testConfig(n, m, blockSize, maxFiles int) Config {
	return Config{DiskCount: n, BlockCount: m, BlockSize: blockSize, MaxFileNum: maxFiles}
}

func mustCreate(t *testing.T, n, m, blockSize, maxFiles int) (device.Device, *Manager) {
	t.Helper()
	dev := membackend.New(n, m, blockSize)
	mgr, err := Create(dev, testConfig(n, m, blockSize, maxFiles))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return dev, mgr
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	dev, _ := mustCreate(t, 6, 20, 64, 10)
	mgr2, err := Open(dev, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if mgr2.n != 6 {
		t.Fatalf("Open geometry mismatch: n=%d", mgr2.n)
	}
}

func TestOpenRejectsGeometryMismatch(t *testing.T) {
	dev, _ := mustCreate(t, 6, 20, 64, 10)
	bad := membackend.New(8, 20, 64)
	// Copy disk 0 (superblock) content onto a differently-shaped device
	// to simulate a mismatched open.
	status, raw := dev.ReadBlock(0, 0)
	if status != device.StatusOK {
		t.Fatalf("reading superblock: %v", status)
	}
	if err := bad.ResetDisk(0); err != nil {
		t.Fatalf("ResetDisk: %v", err)
	}
	for d := 0; d < 8; d++ {
		if err := bad.ResetDisk(d); err != nil {
			t.Fatalf("ResetDisk(%d): %v", d, err)
		}
	}
	if err := bad.WriteBlock(0, 0, raw, true); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if _, err := Open(bad, nil); err == nil {
		t.Fatalf("expected Open to reject mismatched geometry")
	}
}

func TestAddReadDelFileRoundTrip(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	content := []byte("the quick brown fox jumps over the lazy dog, repeated a few times to span multiple blocks of file data")
	if err := mgr.AddFile("fox.txt", content); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	got, err := mgr.ReadFile("fox.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("ReadFile = %q, want %q", got, content)
	}
	if size, err := mgr.FileSize("fox.txt"); err != nil || size != uint32(len(content)) {
		t.Fatalf("FileSize = %d,%v want %d", size, err, len(content))
	}
	if err := mgr.DelFile("fox.txt"); err != nil {
		t.Fatalf("DelFile: %v", err)
	}
	if ok, _ := mgr.FileExists("fox.txt"); ok {
		t.Fatalf("file still exists after DelFile")
	}
	if _, err := mgr.ReadFile("fox.txt"); err != ErrNameNotFound {
		t.Fatalf("ReadFile after delete = %v, want ErrNameNotFound", err)
	}
}

func TestAddFileDuplicateRejected(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	if err := mgr.AddFile("a", []byte("1")); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := mgr.AddFile("a", []byte("2")); err != ErrNameExists {
		t.Fatalf("AddFile duplicate = %v, want ErrNameExists", err)
	}
}

func TestAddFileEmptyDataRoundTrip(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	if err := mgr.AddFile("empty", nil); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	got, err := mgr.ReadFile("empty")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ReadFile = %v, want empty", got)
	}
}

// TestAddFileEmptyDoesNotClaimABlock guards against an empty file
// reserving a data block it never marks used, which would let a later
// AddFile hand the same coordinate to a second file.
func TestAddFileEmptyDoesNotClaimABlock(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	before, err := mgr.AvailableSpace()
	if err != nil {
		t.Fatalf("AvailableSpace: %v", err)
	}
	if err := mgr.AddFile("empty", nil); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	after, err := mgr.AvailableSpace()
	if err != nil {
		t.Fatalf("AvailableSpace: %v", err)
	}
	if after != before {
		t.Fatalf("AvailableSpace changed for an empty file: before=%d after=%d", before, after)
	}
	content := []byte("owns a real block")
	if err := mgr.AddFile("occupant", content); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	got, err := mgr.ReadFile("occupant")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("ReadFile = %q, want %q", got, content)
	}
}

func TestModifyFileSameSizeInPlace(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz0123456789abcdefghijklmnopqrstuvwxyz")
	if err := mgr.AddFile("f", content); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := mgr.ModifyFile("f", 5, 10, []byte("ZZZZZ")); err != nil {
		t.Fatalf("ModifyFile: %v", err)
	}
	got, err := mgr.ReadFile("f")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := append(append(append([]byte{}, content[:5]...), []byte("ZZZZZ")...), content[10:]...)
	if string(got) != string(want) {
		t.Fatalf("ReadFile = %q, want %q", got, want)
	}
}

func TestModifyFileGrows(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	content := []byte("hello world")
	if err := mgr.AddFile("f", content); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := mgr.ModifyFile("f", 5, 6, []byte(" big wide ")); err != nil {
		t.Fatalf("ModifyFile: %v", err)
	}
	got, err := mgr.ReadFile("f")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "hello big wide world"
	if string(got) != want {
		t.Fatalf("ReadFile = %q, want %q", got, want)
	}
}

func TestRenameFile(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	if err := mgr.AddFile("old", []byte("data")); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := mgr.RenameFile("old", "new"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	if ok, _ := mgr.FileExists("old"); ok {
		t.Fatalf("old name still exists after rename")
	}
	got, err := mgr.ReadFile("new")
	if err != nil {
		t.Fatalf("ReadFile(new): %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("ReadFile(new) = %q, want %q", got, "data")
	}
}

func TestListFilesAndAvailableSpace(t *testing.T) {
	_, mgr := mustCreate(t, 6, 40, 64, 20)
	before, err := mgr.AvailableSpace()
	if err != nil {
		t.Fatalf("AvailableSpace: %v", err)
	}
	if err := mgr.AddFile("a", make([]byte, 100)); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	after, err := mgr.AvailableSpace()
	if err != nil {
		t.Fatalf("AvailableSpace: %v", err)
	}
	if after >= before {
		t.Fatalf("AvailableSpace did not decrease: before=%d after=%d", before, after)
	}
	files, err := mgr.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []FileInfo{{Name: "a", Size: 100}}
	if diff := deep.Equal(files, want); diff != nil {
		t.Fatalf("ListFiles diff: %v", diff)
	}
}

func TestAddFileOutOfSpace(t *testing.T) {
	_, mgr := mustCreate(t, 6, 10, 64, 5)
	big := make([]byte, 10000)
	if err := mgr.AddFile("huge", big); err != ErrOutOfSpace {
		t.Fatalf("AddFile huge = %v, want ErrOutOfSpace", err)
	}
}

func TestCheckAndRecoverCorruption(t *testing.T) {
	dev, mgr := mustCreate(t, 6, 40, 64, 20)
	content := []byte("corruption-resistant payload data for testing purposes here")
	if err := mgr.AddFile("f", content); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	found, ok, err := mgr.table.Lookup("f")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	s := int(found.HeadBlock)
	if err := dev.CorruptBlock(int(found.HeadDisk), s); err != nil {
		t.Fatalf("CorruptBlock: %v", err)
	}
	if err := mgr.CheckAndRecoverCorruption(s); err != nil {
		t.Fatalf("CheckAndRecoverCorruption: %v", err)
	}
	got, err := mgr.ReadFile("f")
	if err != nil {
		t.Fatalf("ReadFile after recovery: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("ReadFile after recovery = %q, want %q", got, content)
	}
}

func TestReadFileSurvivesTwoDiskFailure(t *testing.T) {
	dev, mgr := mustCreate(t, 6, 40, 64, 20)
	content := []byte("resilient content that should survive two simultaneous disk failures in this array")
	if err := mgr.AddFile("f", content); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := dev.FailDisk(0); err != nil {
		t.Fatalf("FailDisk(0): %v", err)
	}
	if err := dev.FailDisk(3); err != nil {
		t.Fatalf("FailDisk(3): %v", err)
	}
	got, err := mgr.ReadFile("f")
	if err != nil {
		t.Fatalf("ReadFile after two-disk failure: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("ReadFile = %q, want %q", got, content)
	}
}
