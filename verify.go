package isoalloc

import (
	"github.com/mjp41/isoalloc/internal/bigzone"
	"github.com/mjp41/isoalloc/internal/isoerr"
)

// VerifyZone checks every history-bearing chunk in the zone at
// zoneIndex and returns a *isoerr.Error if any canary no longer
// matches.
func (a *Allocator) VerifyZone(zoneIndex int32) error {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	if int(zoneIndex) < 0 || int(zoneIndex) >= len(a.zones) || a.zones[zoneIndex] == nil {
		return isoerr.NewZone("isoalloc", "VerifyZone", zoneIndex, "no such zone")
	}
	z := a.zones[zoneIndex]
	if _, ok := z.VerifyCanaries(); !ok {
		return isoerr.NewZone("isoalloc", "VerifyZone", zoneIndex, "canary mismatch")
	}
	return nil
}

// VerifyAllZones runs VerifyZone across every live zone and the
// big-allocation list, returning the first failure encountered.
func (a *Allocator) VerifyAllZones() error {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	for _, z := range a.zones {
		if z == nil {
			continue
		}
		if _, ok := z.VerifyCanaries(); !ok {
			return isoerr.NewZone("isoalloc", "VerifyAllZones", z.Index, "canary mismatch")
		}
	}

	var err error
	a.bigList.Each(func(bz *bigzone.Zone) {
		if err == nil && bz.InUse() && !bz.VerifyCanary() {
			err = isoerr.New("isoalloc", "VerifyAllZones", "big-zone canary mismatch")
		}
	})
	return err
}
