package items

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/optable/apsi/internal/util"
	"github.com/optable/apsi/pkg/psi"
)

// Common generates the common segment
func Common(n int) (common psi.Items) {
	b := make([]byte, n*psi.ItemLen)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("could not generate %d items for the common portion", n)
	}
	common = make(psi.Items, n)
	for i := range common {
		common[i] = fromBytes(b[i*psi.ItemLen:])
	}
	return
}

// Mix in from common and add n new fresh items
func Mix(common psi.Items, n int) <-chan psi.Item {
	// setup the streams
	c1 := commons(common)
	c2 := freshes(n)
	return mixes(c1, c2)
}

// Sequence returns n items (step*(i+1), high) for i in [0, n)
func Sequence(n int, step, high uint64) psi.Items {
	items := make(psi.Items, n)
	for i := range items {
		items[i] = psi.NewItem(step*uint64(i+1), high)
	}
	return items
}

// Format returns the text line of an item, see Read
func Format(item psi.Item) []byte {
	return append([]byte(item.String()), '\n')
}

// Read parses one item per line until EOF. Empty lines are skipped.
func Read(r io.Reader) (psi.Items, error) {
	var items psi.Items
	br := bufio.NewReader(r)
	for n := 1; ; n++ {
		line, err := util.SafeReadLine(br)
		if len(line) > 0 {
			item, perr := psi.ParseItem(string(line))
			if perr != nil {
				return nil, fmt.Errorf("line %d: %w", n, perr)
			}
			items = append(items, item)
		}
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func fromBytes(b []byte) psi.Item {
	return psi.NewItem(binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:16]))
}

// commons will write the common items to a channel and then close it
func commons(items psi.Items) <-chan psi.Item {
	out := make(chan psi.Item)
	go func() {
		defer close(out)
		for _, item := range items {
			out <- item
		}
	}()
	return out
}

// freshes will write a total number of fresh items to a channel and then close it
func freshes(total int) <-chan psi.Item {
	out := make(chan psi.Item)
	go func() {
		defer close(out)
		b := make([]byte, psi.ItemLen)
		for i := 0; i < total; i++ {
			if _, err := rand.Read(b); err == nil {
				out <- fromBytes(b)
			}
		}
	}()
	return out
}

// mixes will read c1 & c2 to exhaustion,
// write the output a channel and then close it
func mixes(c1, c2 <-chan psi.Item) <-chan psi.Item {
	var ws sync.WaitGroup
	out := make(chan psi.Item)
	// fixed to 2 here because this is the pattern
	ws.Add(2)
	// exhaust a channel
	f := func(c <-chan psi.Item) {
		defer ws.Done()
		for item := range c {
			out <- item
		}
	}
	// fan in c1 & c2
	go f(c1)
	go f(c2)
	// and wait so we can close the out channel
	go func() {
		ws.Wait()
		close(out)
	}()

	return out
}
