package vmm

import s "github.com/bnclabs/gosettings"
import "github.com/cloudfoundry/gosigar"

// Granularity default unit of OS reservation, in bytes.
const Granularity = int64(64 * 1024)

// Maxspansize largest single span that can be reserved.
const Maxspansize = int64(1024 * 1024 * 1024 * 1024) // 1TB

// Defaultsettings for vmm pages, with following keys:
//
// "granularity" (int64, default: Granularity)
//		Unit of OS reservation, power of 2, also the alignment of
//		every span handed out.
//
// "cachelimit" (int64, default: 1/32 of free RAM)
//		Maximum number of bytes parked in the span cache before
//		released spans are returned to the OS immediately.
func Defaultsettings() s.Settings {
	_, _, free := getsysmem()
	return s.Settings{
		"granularity": Granularity,
		"cachelimit":  int64(free / 32),
	}
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	mem.Get()
	return mem.Total, mem.Used, mem.Free
}
