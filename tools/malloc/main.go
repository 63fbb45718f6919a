package main

import "flag"
import "fmt"
import "math/rand"
import "strconv"
import "strings"
import "sync"
import "time"
import "unsafe"

import hm "github.com/dustin/go-humanize"

import "github.com/bnclabs/gobinned/malloc"

var options struct {
	capacity int64
	size     [2]int // min-size, max-size
	routines int
	n        int
	tcache   bool
	trim     bool
	seed     int
}

func argParse() {
	var size string

	flag.Int64Var(&options.capacity, "capacity", 1024*1024*1024,
		"arena capacity in bytes")
	flag.StringVar(&size, "size", "",
		"minsize,maxsize - allocate chunks between [minsize,maxsize)")
	flag.IntVar(&options.routines, "routines", 8,
		"number of concurrent allocating routines")
	flag.IntVar(&options.n, "n", 1000000,
		"number of alloc/free operations per routine")
	flag.BoolVar(&options.tcache, "tcache", true,
		"enable cached free block lists")
	flag.BoolVar(&options.trim, "trim", true,
		"trim caches and os pages after the run")
	flag.IntVar(&options.seed, "seed", 0,
		"seed for random size generation")
	flag.Parse()

	options.size = [2]int{32, 8 * 1024}
	if size != "" {
		for i, s := range strings.Split(size, ",") {
			ln, _ := strconv.Atoi(s)
			options.size[i] = ln
		}
	}
	if options.seed == 0 {
		options.seed = int(time.Now().UnixNano())
	}
}

func main() {
	argParse()

	malloc.LogComponents("all")
	setts := malloc.Defaultsettings()
	setts["capacity"] = options.capacity
	setts["tcache"] = options.tcache
	marena := malloc.NewArena(setts)

	now := time.Now()
	var wg sync.WaitGroup
	wg.Add(options.routines)
	for i := 0; i < options.routines; i++ {
		go worker(marena, int64(options.seed)+int64(i), &wg)
	}
	wg.Wait()

	total := options.routines * options.n
	took := time.Since(now)
	fmt.Printf("Took %v for %v operations, %v/op\n",
		took, total, took/time.Duration(total))

	if options.trim {
		marena.Trim(true /*trimcaches*/)
	}
	marena.Validate()
	printinfo(marena)
	marena.Release()
}

// steady state load, a window of live chunks with random replacement.
func worker(marena *malloc.Arena, seed int64, wg *sync.WaitGroup) {
	defer wg.Done()

	rnd := rand.New(rand.NewSource(seed))
	min, max := options.size[0], options.size[1]

	window := make([]unsafe.Pointer, 1024)
	for i := 0; i < options.n; i++ {
		j := rnd.Intn(len(window))
		if window[j] != nil {
			marena.Free(window[j])
		}
		window[j] = marena.Alloc(int64(rnd.Intn(max-min) + min))
	}
	for _, ptr := range window {
		marena.Free(ptr)
	}
}

func printinfo(marena *malloc.Arena) {
	capacity, heap, alloc, overhead := marena.Info()
	fmsg := "Arena{capacity:%v heap:%v alloc:%v overhead:%v cached:%v}\n"
	fmt.Printf(
		fmsg,
		hm.Bytes(uint64(capacity)), hm.Bytes(uint64(heap)),
		hm.Bytes(uint64(alloc)), hm.Bytes(uint64(overhead)),
		hm.Bytes(uint64(marena.Cached())),
	)
	nallocs, nfrees := marena.Counts()
	fmt.Printf("Counts{allocs:%v frees:%v}\n", nallocs, nfrees)
	sizes, zs := marena.Utilization()
	for i, size := range sizes {
		fmt.Printf("slab %6v utilization: %2.2f%%\n", size, zs[i])
	}
	marena.Log()
}
