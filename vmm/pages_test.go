package vmm

import "testing"
import "unsafe"

import s "github.com/bnclabs/gosettings"
import "github.com/stretchr/testify/require"

func TestAllocpagesAligned(t *testing.T) {
	vm := New(s.Settings{"cachelimit": int64(0)})
	for _, n := range []int64{Granularity, 2 * Granularity, 16 * Granularity} {
		ptr := vm.Allocpages(n)
		require.NotNil(t, ptr)
		require.Zero(t, uintptr(ptr)&uintptr(Granularity-1))
		// the whole span shall be addressable
		block := unsafe.Slice((*byte)(ptr), n)
		block[0], block[n-1] = 0xab, 0xcd
		vm.Freepages(ptr, n)
	}
	reserved, cached := vm.Info()
	require.Zero(t, reserved)
	require.Zero(t, cached)
}

func TestPagesCache(t *testing.T) {
	vm := New(s.Settings{"cachelimit": 4 * Granularity})
	ptr := vm.Allocpages(2 * Granularity)
	vm.Freepages(ptr, 2*Granularity)
	reserved, cached := vm.Info()
	require.Equal(t, 2*Granularity, reserved)
	require.Equal(t, 2*Granularity, cached)
	// same-size reservation shall be served from the cache
	require.Equal(t, ptr, vm.Allocpages(2*Granularity))
	_, cached = vm.Info()
	require.Zero(t, cached)
	vm.Freepages(ptr, 2*Granularity)

	require.Equal(t, 2*Granularity, vm.Trim())
	// trim is idempotent
	require.Zero(t, vm.Trim())
	reserved, cached = vm.Info()
	require.Zero(t, reserved)
	require.Zero(t, cached)
}

// several live spans force fresh mappings whose head and tail slack
// got trimmed, every byte of every span shall stay addressable.
func TestAllocpagesTrimmed(t *testing.T) {
	vm := New(s.Settings{"cachelimit": int64(0)})
	spans := map[unsafe.Pointer]int64{}
	for i := 0; i < 8; i++ {
		n := int64(i%4+1) * Granularity
		ptr := vm.Allocpages(n)
		require.Zero(t, uintptr(ptr)&uintptr(Granularity-1))
		block := unsafe.Slice((*byte)(ptr), n)
		for j := range block {
			block[j] = byte(i)
		}
		spans[ptr] = n
	}
	for ptr, n := range spans {
		vm.Freepages(ptr, n)
	}
	reserved, cached := vm.Info()
	require.Zero(t, reserved)
	require.Zero(t, cached)
}

func TestPagesPanics(t *testing.T) {
	vm := New(s.Settings{})
	panics := []func(){
		func() { vm.Allocpages(0) },
		func() { vm.Allocpages(Granularity + 1) },
		func() { vm.Allocpages(Maxspansize + Granularity) },
		func() { vm.Freepages(nil, Granularity) },
		func() { vm.Freepages(vm.Allocpages(Granularity), 100) },
	}
	for i, fn := range panics {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("case %v: expected panic", i)
				}
			}()
			fn()
		}()
	}
}

func BenchmarkAllocpages(b *testing.B) {
	vm := New(s.Settings{"cachelimit": 64 * Granularity})
	for i := 0; i < b.N; i++ {
		vm.Freepages(vm.Allocpages(Granularity), Granularity)
	}
}
