// biofind scans for BioLogic instruments and prints one line per device,
// "kind: connection_string".
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/theckman/yacspin"
	"github.jpl.nasa.gov/bdube/biologic/find"
)

func main() {
	var (
		conn    = flag.String("conn", "", "connection type to scan, usb or eth; empty scans both")
		timeout = flag.Duration("timeout", 2*time.Second, "how long to wait for ethernet replies")
	)
	flag.Parse()

	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " scanning for devices",
		SuffixAutoColon: true,
		StopCharacter:   "done",
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	var devices []find.Device
	switch *conn {
	case "usb":
		devices, err = find.USBDevices()
	case "eth":
		devices, err = find.EthernetDevices(ctx, *timeout)
	case "":
		devices, err = find.Devices(ctx, *timeout)
	default:
		spinner.Stop()
		fmt.Fprintf(os.Stderr, "unknown connection type %q, must be usb or eth\n", *conn)
		os.Exit(2)
	}
	spinner.Stop()
	if err != nil {
		log.Fatal(err)
	}

	if len(devices) == 0 {
		fmt.Println("no devices found")
		return
	}
	for _, d := range devices {
		fmt.Printf("%s: %s\n", d.Kind, d.ConnectionString())
	}
}
