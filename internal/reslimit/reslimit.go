// Package reslimit creates the four category resource limits and holds the
// CPU-time policy tables for the foreground application.
package reslimit

import (
	"fmt"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

// Values holds one value per limit type, in InitOrder.
type Values [10]int64

// InitOrder is the order in which limit values are written.
var InitOrder = []kernel.LimitType{
	kernel.LimitCommit,
	kernel.LimitPriority,
	kernel.LimitThread,
	kernel.LimitEvent,
	kernel.LimitMutex,
	kernel.LimitSemaphore,
	kernel.LimitTimer,
	kernel.LimitSharedMemory,
	kernel.LimitAddressArbiter,
	kernel.LimitCPUTime,
}

var baseValues = [program.NumCategories]Values{
	program.CategoryApplication:   {0x4000000, 0x18, 32, 32, 32, 8, 8, 16, 2, 0},
	program.CategorySystemApplet:  {0x2606000, 4, 14, 8, 8, 4, 4, 8, 3, 10000},
	program.CategoryLibraryApplet: {0x0602000, 4, 14, 8, 8, 4, 4, 8, 1, 10000},
	program.CategoryOther:         {0x1682000, 4, 202, 248, 35, 64, 43, 30, 43, 1000},
}

var highEndValues = [program.NumCategories]Values{
	program.CategoryApplication:   {0x7C00000, 0x18, 32, 32, 32, 8, 8, 16, 2, 0},
	program.CategorySystemApplet:  {0x5E06000, 4, 29, 11, 8, 4, 4, 8, 3, 10000},
	program.CategoryLibraryApplet: {0x0602000, 4, 14, 8, 8, 4, 4, 8, 1, 10000},
	program.CategoryOther:         {0x2182000, 4, 225, 264, 37, 67, 44, 31, 45, 1000},
}

type memLayout struct {
	defaultMem      uint32
	otherOvercommit uint32
	baseRegionSize  uint32
}

const minAppletMem = 0x1200000

var layouts = map[kernel.Variant]memLayout{
	kernel.VariantBase:    {defaultMem: 0x2C00000, otherOvercommit: 0x280000, baseRegionSize: 0x1400000},
	kernel.VariantHighEnd: {defaultMem: 0x6400000, otherOvercommit: 0x180000, baseRegionSize: 0x2000000},
}

// Table returns the limit values for info's hardware variant with the commit
// values fixed up from the memory allocation sizes.
func Table(info kernel.SystemInfo) [program.NumCategories]Values {
	values := baseValues
	if info.Variant == kernel.VariantHighEnd {
		values = highEndValues
	}
	l := layouts[info.Variant]
	sys := info.SysMemAlloc

	if sys < minAppletMem {
		values[program.CategorySystemApplet][0] = int64(sys - minAppletMem/3)
		values[program.CategoryLibraryApplet][0] = 0
		values[program.CategoryOther][0] = int64(l.baseRegionSize + l.otherOvercommit)
	} else {
		var excess uint32
		if sys >= l.defaultMem {
			excess = sys - l.defaultMem
		}
		values[program.CategorySystemApplet][0] = int64(3*excess/4 + sys - minAppletMem/3)
		values[program.CategoryLibraryApplet][0] = int64(excess/4 + minAppletMem/3)
		values[program.CategoryOther][0] = int64(l.baseRegionSize + l.otherOvercommit + excess/4)
	}
	values[program.CategoryApplication][0] = int64(info.AppMemAlloc)
	return values
}

// Initialize creates one resource limit per category and writes its values.
// On failure the limits created so far are closed.
func Initialize(k kernel.Kernel) ([program.NumCategories]kernel.Handle, error) {
	var out [program.NumCategories]kernel.Handle
	values := Table(k.Info())
	for i := range out {
		h, err := k.CreateResourceLimit()
		if err == nil {
			out[i] = h
			err = k.SetResourceLimitValues(h, InitOrder, values[i][:])
		}
		if err != nil {
			for _, h := range out[:i+1] {
				if h != 0 {
					_ = k.CloseHandle(h)
				}
			}
			return [program.NumCategories]kernel.Handle{}, fmt.Errorf("init %s resource limit: %w", program.ResourceLimitCategory(i), err)
		}
	}
	return out, nil
}
