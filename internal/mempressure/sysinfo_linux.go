package mempressure

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ReadCurrent samples live kernel memory/swap counters via unix.Sysinfo
// and the 1-minute load average from /proc/loadavg.
func ReadCurrent() (Reading, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Reading{}, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	r := Reading{
		TotalBytes: uint64(si.Totalram) * unit,
		FreeBytes:  uint64(si.Freeram) * unit,
		SwapTotal:  uint64(si.Totalswap) * unit,
		SwapFree:   uint64(si.Freeswap) * unit,
	}
	load1, err := readLoadAvg1()
	if err != nil {
		return Reading{}, err
	}
	r.Load1 = load1
	return r, nil
}

func readLoadAvg1() (float64, error) {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, sc.Err()
	}
	fields := strings.Fields(sc.Text())
	if len(fields) == 0 {
		return 0, nil
	}
	return strconv.ParseFloat(fields[0], 64)
}
