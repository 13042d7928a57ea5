package catalog

import (
	"strings"
	"testing"
)

func TestComputeChecksum_Format(t *testing.T) {
	sum := ComputeChecksum([]byte("frame data"))
	if !strings.HasPrefix(sum, "sha256:") {
		t.Errorf("checksum must carry its algorithm prefix: %s", sum)
	}
	if len(sum) != len("sha256:")+64 {
		t.Errorf("unexpected checksum length: %d", len(sum))
	}
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("frame data")
	sum := ComputeChecksum(data)
	if !VerifyChecksum(data, sum) {
		t.Error("checksum should verify against its own data")
	}
	if VerifyChecksum([]byte("tampered"), sum) {
		t.Error("checksum must not verify against different data")
	}
}
