//go:build darwin

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
	a := time.Unix(st.Atimespec.Sec, st.Atimespec.Nsec).UTC()
	c := time.Unix(st.Ctimespec.Sec, st.Ctimespec.Nsec).UTC()
	return &a, &c
}
