package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/optable/apsi/pkg/psi"
	"github.com/optable/apsi/test/items"
	"golang.org/x/sync/errgroup"
)

const usage = `%s [flags]

writes a sender and a receiver item file, one "low,high" item per line,
sharing a common part. By default the common part is
min(sender, receiver) / 10 random items. With -step the files hold
arithmetic sequences instead: the sender gets the first sender multiples
of step, the receiver the integers 1 to receiver.

flags:
`

type config struct {
	sender, receiver, common int
	step, high               uint64
	senderOut, receiverOut   string
}

func main() {
	var conf config
	flag.IntVar(&conf.sender, "sender", 1000000, "number of sender items")
	flag.IntVar(&conf.receiver, "receiver", 100, "number of receiver items")
	flag.IntVar(&conf.common, "common", -1, "number of items in common, min(sender, receiver) / 10 when negative")
	flag.Uint64Var(&conf.step, "step", 0, "write sequences with this step instead of random items")
	flag.Uint64Var(&conf.high, "high", 0, "high word of the sequence items")
	flag.StringVar(&conf.senderOut, "out-sender", "sender.txt", "sender output file")
	flag.StringVar(&conf.receiverOut, "out-receiver", "receiver.txt", "receiver output file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if conf.common < 0 {
		conf.common = min(conf.sender, conf.receiver) / 10
	}
	if conf.common > conf.sender || conf.common > conf.receiver {
		log.Fatalf("common part of %d is larger than one of the sets", conf.common)
	}

	var g errgroup.Group
	if conf.step > 0 {
		log.Printf("generating sequences of %d (step %d) and %d items to %s and %s", conf.sender, conf.step, conf.receiver, conf.senderOut, conf.receiverOut)
		g.Go(func() error { return writeAll(conf.senderOut, items.Sequence(conf.sender, conf.step, conf.high)) })
		g.Go(func() error { return writeAll(conf.receiverOut, items.Sequence(conf.receiver, 1, conf.high)) })
	} else {
		log.Printf("generating %d sender and %d receiver items with %d in common to %s and %s", conf.sender, conf.receiver, conf.common, conf.senderOut, conf.receiverOut)
		common := items.Common(conf.common)
		g.Go(func() error { return write(conf.senderOut, items.Mix(common, conf.sender-conf.common)) })
		g.Go(func() error { return write(conf.receiverOut, items.Mix(common, conf.receiver-conf.common)) })
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

func writeAll(filename string, all psi.Items) error {
	out := make(chan psi.Item)
	go func() {
		defer close(out)
		for _, item := range all {
			out <- item
		}
	}()
	return write(filename, out)
}

// write drains in to filename. The channel is always drained.
func write(filename string, in <-chan psi.Item) error {
	f, err := os.Create(filename)
	if err != nil {
		for range in {
		}
		return err
	}
	w := bufio.NewWriter(f)
	for item := range in {
		if err == nil {
			_, err = w.Write(items.Format(item))
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
