package kmem_test

import (
	"fmt"

	"github.com/kostamat011/kmemalloc/kmem"
)

func Example() {
	region := make([]byte, 4096*256)
	f, err := kmem.New(region, 256)
	if err != nil {
		fmt.Println("new:", err)
		return
	}

	buf, err := f.Kalloc(48)
	if err != nil {
		fmt.Println("kalloc:", err)
		return
	}
	fmt.Println("allocated", len(buf), "bytes")

	f.Kfree(buf)
	fmt.Println("freed")

	// Output:
	// allocated 64 bytes
	// freed
}
