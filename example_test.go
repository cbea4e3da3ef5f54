package cshim_test

import (
	"errors"
	"fmt"
	"log"

	"github.com/hupe1980/cshim"
	"github.com/hupe1980/cshim/backend/checked"
	"github.com/hupe1980/cshim/backend/mmalloc"
)

// Example demonstrates the conventional allocation family.
func Example() {
	f := cshim.New(nil)
	defer f.Close()

	h, err := f.Malloc(64)
	if err != nil {
		log.Fatal(err)
	}
	copy(h.Bytes(64), "hello")

	h, err = f.Realloc(h, 128)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(h.Bytes(5)))

	f.Free(h)
	// Output: hello
}

// Example_alignedAlloc shows the alignment contract and its errors.
func Example_alignedAlloc() {
	f := cshim.New(mmalloc.New())
	defer f.Close()

	h, err := f.AlignedAlloc(4096, 100)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(h.IsAligned(4096))
	f.Free(h)

	_, err = f.AlignedAlloc(3, 16)
	fmt.Println(errors.Is(err, cshim.ErrInvalidArgument), cshim.ErrnoOf(err))
	// Output:
	// true
	// true Invalid argument (EINVAL)
}

// Example_posixMemalign leaves the destination untouched on failure.
func Example_posixMemalign() {
	f := cshim.New(nil)

	var out cshim.Handle
	err := f.PosixMemalign(&out, 24, 64)
	fmt.Println(cshim.ErrnoOf(err).Name(), out.IsNil())

	if err := f.PosixMemalign(&out, 64, 64); err != nil {
		log.Fatal(err)
	}
	fmt.Println(out.IsAligned(64))
	f.Free(out)
	// Output:
	// EINVAL true
	// true
}

// Example_leakCheck finds a block that was never freed.
func Example_leakCheck() {
	c := checked.New(mmalloc.New())
	f := cshim.New(c)
	defer f.Close()

	a, _ := f.Calloc(4, 8)
	b, _ := f.Malloc(16)
	f.Free(a)

	fmt.Println(c.CurrentAlloc(), c.Live())
	f.Free(b)
	fmt.Println(c.CurrentAlloc(), c.Live())
	// Output:
	// 16 1
	// 0 0
}
