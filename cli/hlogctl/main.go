// Command hlogctl opens a page-resident log directory and reports its
// watermarks; run without -dir, it prints the record layout's struct
// alignment instead, in the spirit of the teacher's cli/main.go
// struct-alignment dump.
package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/Revolution1/hlog"
	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/pagehandler"
	"github.com/Revolution1/hlog/record"
)

func main() {
	dir := flag.String("dir", "", "log directory to open")
	keySize := flag.Int("key-size", 8, "fixed key size in bytes")
	inlineThreshold := flag.Int("inline-threshold", 7, "value inline threshold in bytes (max 7)")
	flush := flag.Uint64("flush", 0, "force-flush this page number and exit")
	flag.Parse()

	if *dir == "" {
		fmt.Println("record layout:")
		fmt.Printf("  RecordInfo align=%d size=%d\n", unsafe.Alignof(record.RecordInfo(0)), unsafe.Sizeof(record.RecordInfo(0)))
		fmt.Printf("  Layout      align=%d size=%d\n", unsafe.Alignof(record.Layout{}), unsafe.Sizeof(record.Layout{}))
		fmt.Println("usage: hlogctl -dir <path> [-flush <page>]")
		return
	}

	cfg := config.DefaultConfig()
	cfg.UseObjectLog = true
	cfg.InlineThreshold = *inlineThreshold
	handler := pagehandler.NewObjectHandler(*keySize, *inlineThreshold, cfg.Compression)

	store, err := hlog.OpenStore(*dir, cfg, handler)
	if err != nil {
		log.WithError(err).Fatal("opening store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("closing store")
		}
	}()

	a := store.Allocator
	fmt.Printf("BeginAddress:        %d\n", a.BeginAddress())
	fmt.Printf("HeadAddress:         %d\n", a.HeadAddress())
	fmt.Printf("SafeHeadAddress:     %d\n", a.SafeHeadAddress())
	fmt.Printf("ReadOnlyAddress:     %d\n", a.ReadOnlyAddress())
	fmt.Printf("SafeReadOnlyAddress: %d\n", a.SafeReadOnlyAddress())
	fmt.Printf("TailAddress:         %d\n", a.TailAddress())
	fmt.Printf("FlushedUntilAddress: %d\n", a.FlushedUntilAddress())

	if *flush != 0 {
		done := make(chan int, 1)
		if err := a.FlushPage(*flush, func(code int) { done <- code }); err != nil {
			log.WithError(err).Fatal("flush request failed")
		}
		code := <-done
		if code != 0 {
			fmt.Fprintf(os.Stderr, "flush of page %d failed with code %d\n", *flush, code)
			os.Exit(1)
		}
		fmt.Printf("flushed page %d\n", *flush)
	}
}
