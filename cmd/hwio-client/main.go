// Command hwio-client connects to an hwio-server, queries for a device by
// name, and exercises read/write/bye against it.
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/VlastikK/libhwio/client"
	"github.com/VlastikK/libhwio/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		address    string
		devPattern string
		devTimeout time.Duration
	)

	flag.StringVar(&address, "address", wire.DefaultServerAddress, "server address")
	flag.StringVar(&devPattern, "device", "pci0", "device name pattern to query")
	flag.DurationVar(&devTimeout, "timeout", 500*time.Millisecond, "receive timeout for each round trip")
	flag.Parse()

	cfg := client.DefaultConfig()
	cfg.Address = address
	cfg.DevTimeout = devTimeout

	c := client.New(cfg)
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	var item wire.DevQueryItem
	copy(item.Name[:], devPattern)

	handles, err := c.Query([]wire.DevQueryItem{item})
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if len(handles) == 0 {
		return fmt.Errorf("no device matched %q", devPattern)
	}
	handle := handles[0]
	fmt.Printf("reserved device handle %d\n", handle)

	data, err := c.Read(handle, 0, 16)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Printf("read %d bytes: %x\n", len(data), data)

	if err := c.Write(handle, 0, []byte("hello hwio")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	fmt.Println("write ok")

	data, err = c.Read(handle, 0, 16)
	if err != nil {
		return fmt.Errorf("read after write: %w", err)
	}
	fmt.Printf("read %d bytes after write: %x\n", len(data), data)

	return nil
}
