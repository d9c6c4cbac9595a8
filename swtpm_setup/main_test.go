package main

import (
	"testing"

	"github.com/kheubaum/swtpm/internal/nvram"
	"github.com/kheubaum/swtpm/internal/tpmlib"
)

func TestBlobNameForMapsEachStateKind(t *testing.T) {
	cases := []struct {
		kind tpmlib.StateKind
		want nvram.BlobName
	}{
		{tpmlib.StatePermanent, nvram.NamePermAll},
		{tpmlib.StateVolatile, nvram.NameVolatileState},
		{tpmlib.StateSave, nvram.NameSaveState},
	}
	for _, c := range cases {
		if got := blobNameFor(c.kind); got != c.want {
			t.Errorf("blobNameFor(%v) = %v, want %v", c.kind, got, c.want)
		}
	}
}
