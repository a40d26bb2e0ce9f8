//go:build linux

package prospector

import (
	"os"
	"syscall"
	"time"
)

func statTimes(info os.FileInfo) (accessed, changed *time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, nil
	}
	a := time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec)).UTC()
	c := time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)).UTC()
	return &a, &c
}
