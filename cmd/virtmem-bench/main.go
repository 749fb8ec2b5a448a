// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command virtmem-bench measures raw sequential write throughput of the
// paging layer: it fills a 128 KiB virtual buffer byte by byte, fifty
// times over, against a file-backed pool.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"code.hybscloud.com/virtmem"
)

const (
	poolSize = 128*1024 + 128
	bufSize  = 128 * 1024
	repeats  = 50
)

func main() {
	store := virtmem.NewFileStore("")
	valloc := virtmem.New(store, virtmem.DefaultConfig(poolSize))
	if err := valloc.Start(); err != nil {
		log.Fatal(err)
	}

	buf, err := virtmem.AllocSize[byte](bufSize)
	if err != nil {
		log.Fatal(err)
	}

	begin := time.Now()
	for i := 0; i < repeats; i++ {
		for j := 0; j < bufSize; j++ {
			buf.SetAt(j, byte(j))
		}
	}
	elapsed := time.Since(begin).Milliseconds()
	if elapsed == 0 {
		elapsed = 1
	}

	fmt.Printf("Finished in %d ms\n", elapsed)
	fmt.Printf("Speed: %d kB/s\n", int64(repeats)*bufSize/elapsed*1000/1024)

	if err := valloc.Stop(); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}
